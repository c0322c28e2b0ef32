package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/metrics"
)

const (
	labelExecutionID = "runbox.execution_id"
	envTimeout       = "EXECUTION_TIMEOUT"
)

var executionIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,127}$`)

// Config holds configuration for the Docker executor
type Config struct {
	// WorkspaceRoot is where workspaces are created, as seen by this process.
	WorkspaceRoot string
	// HostWorkspaceRoot is the same directory as seen by the Docker daemon.
	HostWorkspaceRoot string
	TemplatesDir      string
	ImagePrefix       string
	ContainerPrefix   string
	Timeout           time.Duration
	BuildTimeout      time.Duration
	MemoryMB          int
	CPUShares         int
	PidsLimit         int
	NetworkMode       string
	User              string
	ReadonlyRootfs    bool
	MaxOutputBytes    int
	Limits            Limits
	// LanguageEnv holds extra environment variables per language.
	LanguageEnv map[Language]map[string]string
}

// DockerExecutor implements SandboxExecutor using Docker
type DockerExecutor struct {
	logger     *zap.Logger
	config     *Config
	client     DockerClient
	fs         FileSystem
	recorder   metrics.Recorder
	newID      func() string
	runnerOpts []ContainerRunnerOption

	workspaces *WorkspaceManager
	images     *ImageProvisioner
	runner     *ContainerRunner
}

// DockerExecutorOption defines a functional option for DockerExecutor
type DockerExecutorOption func(*DockerExecutor)

// WithDockerFileSystem sets the FileSystem for DockerExecutor
func WithDockerFileSystem(fs FileSystem) DockerExecutorOption {
	return func(d *DockerExecutor) {
		d.fs = fs
	}
}

// WithDockerMetrics sets the metrics recorder for DockerExecutor
func WithDockerMetrics(recorder metrics.Recorder) DockerExecutorOption {
	return func(d *DockerExecutor) {
		d.recorder = recorder
	}
}

// WithDockerIDGenerator sets the function generating execution IDs
func WithDockerIDGenerator(newID func() string) DockerExecutorOption {
	return func(d *DockerExecutor) {
		d.newID = newID
	}
}

// WithDockerRunnerOptions passes options to the underlying ContainerRunner
func WithDockerRunnerOptions(opts ...ContainerRunnerOption) DockerExecutorOption {
	return func(d *DockerExecutor) {
		d.runnerOpts = append(d.runnerOpts, opts...)
	}
}

// NewDockerExecutor creates a new DockerExecutor. The client is borrowed: the
// executor never closes it.
func NewDockerExecutor(logger *zap.Logger, config *Config, client DockerClient, opts ...DockerExecutorOption) *DockerExecutor {
	executor := &DockerExecutor{
		logger:   logger,
		config:   config,
		client:   client,
		fs:       RealFileSystem{},
		recorder: metrics.Noop{},
		newID:    newExecutionID,
	}

	for _, opt := range opts {
		opt(executor)
	}

	executor.workspaces = NewWorkspaceManager(logger, config.WorkspaceRoot, executor.fs, WithWorkspaceOwner(config.User))
	imageOpts := []ImageProvisionerOption{
		WithImageFileSystem(executor.fs),
		WithImageMetrics(executor.recorder),
	}
	if config.BuildTimeout > 0 {
		imageOpts = append(imageOpts, WithBuildTimeout(config.BuildTimeout))
	}
	executor.images = NewImageProvisioner(logger, client, config.TemplatesDir, config.ImagePrefix, imageOpts...)
	executor.runner = NewContainerRunner(logger, client, executor.runnerOpts...)

	return executor
}

// Images returns the executor's image provisioner.
func (d *DockerExecutor) Images() *ImageProvisioner {
	return d.images
}

// Execute runs the request in a fresh container and always returns a result.
// The workspace is removed before Execute returns, whatever the outcome.
func (d *DockerExecutor) Execute(ctx context.Context, req ExecutionRequest) (result ExecutionResult) {
	// IDs name directories, containers and labels, so they are case-folded.
	id := strings.ToLower(req.ExecutionID)
	if id == "" {
		id = d.newID()
	}
	logger := d.logger.With(zap.String("execution_id", id), zap.String("language", string(req.Language)))
	start := time.Now()
	var lang Language

	defer func() {
		if r := recover(); r != nil {
			logger.Error("execution panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = errorResult(id, fmt.Errorf("internal error: %v", r))
		}
		d.recorder.ObserveExecution(metricLanguage(lang), string(result.Status), time.Since(start))
		logger.Info("execution finished",
			zap.String("status", string(result.Status)),
			zap.Int("exit_code", result.ExitCode),
			zap.Int64("execution_time_ms", result.ExecutionTime))
	}()

	logger.Info("execution requested", zap.Int("files", len(req.Files)), zap.Strings("command", req.Command))

	if !executionIDPattern.MatchString(id) {
		return errorResult(id, fmt.Errorf("%q: %w", id, ErrInvalidExecutionID))
	}
	lang, err := ParseLanguage(string(req.Language))
	if err != nil {
		return errorResult(id, err)
	}
	if len(req.Command) == 0 {
		return errorResult(id, fmt.Errorf("empty command: %w", ErrInvalidRequest))
	}
	env, err := d.environment(lang, req.Env)
	if err != nil {
		return errorResult(id, err)
	}

	files, err := ValidateFiles(req.Files, d.config.Limits)
	if err != nil {
		logger.Warn("submission rejected", zap.Error(err))
		return errorResult(id, err)
	}

	dir, err := d.workspaces.Create(id, files)
	if err != nil {
		logger.Error("failed to create workspace", zap.Error(err))
		return errorResult(id, err)
	}
	defer func() {
		if rmErr := d.workspaces.Destroy(dir); rmErr != nil {
			logger.Error("failed to remove workspace", zap.String("path", dir), zap.Error(rmErr))
		}
	}()

	image, err := d.images.EnsureImage(ctx, lang)
	if err != nil {
		logger.Error("failed to provision image", zap.Error(err))
		return errorResult(id, err)
	}

	hostDir, err := RebasePath(d.workspaces.Root(), d.hostWorkspaceRoot(), dir)
	if err != nil {
		return errorResult(id, err)
	}

	out, err := d.runner.Run(ctx, ContainerSpec{
		Name:    d.config.ContainerPrefix + "-" + id,
		Image:   image,
		Command: req.Command,
		Env:     env,
		Labels: map[string]string{
			labelExecutionID: id,
			languageLabel:    string(lang),
		},
		HostWorkspace:  hostDir,
		User:           d.config.User,
		NetworkMode:    d.config.NetworkMode,
		MemoryBytes:    int64(d.config.MemoryMB) * BytesPerMB,
		CPUShares:      int64(d.config.CPUShares),
		PidsLimit:      int64(d.config.PidsLimit),
		ReadonlyRootfs: d.config.ReadonlyRootfs,
		Timeout:        d.config.Timeout,
		MaxOutputBytes: d.config.MaxOutputBytes,
	})
	if err != nil {
		logger.Error("container run failed", zap.Error(err))
		return errorResult(id, err)
	}

	result = ExecutionResult{
		ExecutionID:     id,
		Status:          out.Status(),
		Output:          out.Stdout,
		Error:           out.Stderr,
		ExitCode:        out.ExitCode,
		ExecutionTime:   out.Duration.Milliseconds(),
		OutputTruncated: out.OutputTruncated,
	}
	if out.WaitErr != nil && result.Error == "" {
		result.Error = out.WaitErr.Error()
	}
	return result
}

func (d *DockerExecutor) hostWorkspaceRoot() string {
	if d.config.HostWorkspaceRoot == "" {
		return d.config.WorkspaceRoot
	}
	return d.config.HostWorkspaceRoot
}

// environment merges the timeout, language and request variables into a
// sorted KEY=VALUE list. Request values win over language values.
func (d *DockerExecutor) environment(lang Language, extra map[string]string) ([]string, error) {
	vars := make(map[string]string)
	for k, v := range d.config.LanguageEnv[lang] {
		vars[k] = v
	}
	for k, v := range extra {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return nil, fmt.Errorf("environment variable name %q: %w", k, ErrInvalidRequest)
		}
		vars[k] = v
	}
	timeout := d.config.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	vars[envTimeout] = strconv.Itoa(int(timeout / time.Second))

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

func errorResult(id string, err error) ExecutionResult {
	return ExecutionResult{
		ExecutionID:   id,
		Status:        StatusError,
		Error:         err.Error(),
		ExitCode:      ExitCodeNoExit,
		ExecutionTime: 0,
		Err:           err,
	}
}

func metricLanguage(lang Language) string {
	if lang == "" {
		return "unknown"
	}
	return string(lang)
}

func newExecutionID() string {
	return strings.ToLower(ulid.Make().String())
}
