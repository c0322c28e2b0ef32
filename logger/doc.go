// Package logger builds the zap loggers shared by the runbox server and CLI.
//
// Two modes are supported: "production" emits JSON with ISO8601 timestamps and
// millisecond durations, "development" emits colored console output. Both
// write to stderr so the MCP stdio transport keeps stdout to itself.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	defer log.Sync()
//	log.Info("execution finished", zap.String("execution_id", id))
package logger
