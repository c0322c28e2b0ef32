// Package config loads runbox settings with viper.
//
// Values are layered: built-in defaults, then config.yaml (searched in "."
// and "./config", or an explicit path passed to Load), then RUNBOX_
// environment variables such as RUNBOX_SANDBOX_TIMEOUT_SEC. The merged result
// is validated before it is returned, so callers never see a config that
// would run containers as root or on the host network.
//
//	cfg, err := config.Load("/etc/runbox/config.yaml")
//	if err != nil {
//	    return err
//	}
//	timeout := cfg.GetTimeout()
package config
