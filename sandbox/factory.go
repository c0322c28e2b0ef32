package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/metrics"
)

// NewExecutor creates a Docker-backed sandbox executor from the application
// configuration. Language sections in the configuration must name supported
// languages.
func NewExecutor(logger *zap.Logger, cfg *config.Config, client DockerClient, recorder metrics.Recorder) (SandboxExecutor, error) {
	executorConfig, err := ExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}

	return NewDockerExecutor(logger, executorConfig, client, WithDockerMetrics(recorder)), nil
}

// ExecutorConfig translates the application configuration into executor settings.
func ExecutorConfig(cfg *config.Config) (*Config, error) {
	languageEnv := make(map[Language]map[string]string, len(cfg.Languages))
	for name, lang := range cfg.Languages {
		parsed, err := ParseLanguage(name)
		if err != nil {
			return nil, fmt.Errorf("languages.%s: %w", name, err)
		}
		languageEnv[parsed] = lang.Env()
	}

	sb := cfg.Sandbox
	return &Config{
		WorkspaceRoot:     sb.WorkspaceRoot,
		HostWorkspaceRoot: sb.HostWorkspaceRoot,
		TemplatesDir:      sb.TemplatesDir,
		ImagePrefix:       sb.ImagePrefix,
		ContainerPrefix:   sb.ContainerPrefix,
		Timeout:           cfg.GetTimeout(),
		BuildTimeout:      cfg.GetBuildTimeout(),
		MemoryMB:          sb.MemoryMB,
		CPUShares:         sb.CPUShares,
		PidsLimit:         sb.PidsLimit,
		NetworkMode:       sb.NetworkMode,
		User:              sb.User,
		ReadonlyRootfs:    sb.ReadonlyRootfs,
		MaxOutputBytes:    sb.MaxOutputKB * BytesPerKB,
		Limits: Limits{
			MaxFiles:      sb.MaxFiles,
			MaxFileBytes:  int64(sb.MaxFileKB) * BytesPerKB,
			MaxTotalBytes: int64(sb.MaxTotalKB) * BytesPerKB,
		},
		LanguageEnv: languageEnv,
	}, nil
}
