package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContainerWorkspace is where the workspace is mounted inside the container.
const ContainerWorkspace = "/workspace"

const (
	defaultCleanupTimeout = 30 * time.Second
	defaultDrainGrace     = 5 * time.Second
	defaultExecTimeout    = 30 * time.Second
	killSignal            = "SIGKILL"
)

// ContainerSpec is the hardened container configuration for one execution.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Labels  map[string]string
	// HostWorkspace is the host-visible directory bind mounted at ContainerWorkspace.
	HostWorkspace  string
	User           string
	NetworkMode    string
	MemoryBytes    int64
	CPUShares      int64
	PidsLimit      int64
	ReadonlyRootfs bool
	Timeout        time.Duration
	MaxOutputBytes int
}

func (s ContainerSpec) dockerConfig() (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:        s.Image,
		Cmd:          s.Command,
		Env:          s.Env,
		Labels:       s.Labels,
		WorkingDir:   ContainerWorkspace,
		User:         s.User,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(s.NetworkMode),
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: s.ReadonlyRootfs,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: s.HostWorkspace,
			Target: ContainerWorkspace,
		}},
		Resources: container.Resources{
			Memory:     s.MemoryBytes,
			MemorySwap: s.MemoryBytes,
			CPUShares:  s.CPUShares,
		},
	}
	if s.PidsLimit > 0 {
		pids := s.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	if s.ReadonlyRootfs {
		hostCfg.Tmpfs = map[string]string{"/tmp": "rw,nosuid,nodev,size=64m"}
	}

	return cfg, hostCfg
}

// TerminalState is how the container's run ended.
type TerminalState string

const (
	StateExited    TerminalState = "exited"
	StateTimedOut  TerminalState = "timed_out"
	StateWaitError TerminalState = "wait_error"
)

// ContainerOutcome is the result of a container run.
type ContainerOutcome struct {
	ContainerID     string
	State           TerminalState
	ExitCode        int
	Stdout          string
	Stderr          string
	OutputTruncated bool
	Duration        time.Duration
	// WaitErr is set for StateTimedOut and StateWaitError.
	WaitErr error
}

// Status maps the outcome to an execution status.
func (o ContainerOutcome) Status() Status {
	return StatusFromExitCode(o.ExitCode)
}

// ContainerRunner drives a single container through create, start, wait and
// removal.
type ContainerRunner struct {
	client         DockerClient
	logger         *zap.Logger
	cleanupTimeout time.Duration
	drainGrace     time.Duration
}

// ContainerRunnerOption defines a functional option for ContainerRunner
type ContainerRunnerOption func(*ContainerRunner)

// WithCleanupTimeout bounds the kill and remove calls
func WithCleanupTimeout(d time.Duration) ContainerRunnerOption {
	return func(r *ContainerRunner) {
		r.cleanupTimeout = d
	}
}

// WithDrainGrace bounds how long output drains may run after the container stops
func WithDrainGrace(d time.Duration) ContainerRunnerOption {
	return func(r *ContainerRunner) {
		r.drainGrace = d
	}
}

// NewContainerRunner creates a ContainerRunner
func NewContainerRunner(logger *zap.Logger, client DockerClient, opts ...ContainerRunnerOption) *ContainerRunner {
	r := &ContainerRunner{
		client:         client,
		logger:         logger,
		cleanupTimeout: defaultCleanupTimeout,
		drainGrace:     defaultDrainGrace,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run creates and starts the container, drains its output while waiting at
// most spec.Timeout for it to exit, kills it on timeout and always removes it.
// An error is returned only when the container could not be created or started.
func (r *ContainerRunner) Run(ctx context.Context, spec ContainerSpec) (ContainerOutcome, error) {
	cfg, hostCfg := spec.dockerConfig()

	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerOutcome{}, fmt.Errorf("%s: %w: %w", spec.Name, ErrContainerCreateFailed, err)
	}
	id := created.ID
	logger := r.logger.With(zap.String("container", spec.Name), zap.String("container_id", id))
	defer r.remove(ctx, logger, id)

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return ContainerOutcome{ContainerID: id}, fmt.Errorf("%s: %w: %w", spec.Name, ErrContainerStartFailed, err)
	}
	start := time.Now()
	logger.Debug("container started", zap.Strings("command", spec.Command))

	logs, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.kill(ctx, logger, id)
		return ContainerOutcome{ContainerID: id}, fmt.Errorf("%s: attach output: %w: %w", spec.Name, ErrContainerStartFailed, err)
	}

	stdout := newCappedBuffer(spec.MaxOutputBytes)
	stderr := newCappedBuffer(spec.MaxOutputBytes)
	drained := drain(logs, stdout, stderr)

	out := r.wait(ctx, logger, id, spec.Timeout)
	out.ContainerID = id
	out.Duration = time.Since(start)

	r.join(logger, logs, drained)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	out.OutputTruncated = stdout.Truncated() || stderr.Truncated()

	logger.Debug("container finished",
		zap.String("state", string(out.State)),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration))

	return out, nil
}

func (r *ContainerRunner) wait(ctx context.Context, logger *zap.Logger, id string, timeout time.Duration) ContainerOutcome {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	respCh, errCh := r.client.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	var waitErr error
	select {
	case resp := <-respCh:
		if resp.Error == nil {
			return ContainerOutcome{State: StateExited, ExitCode: int(resp.StatusCode)}
		}
		waitErr = errors.New(resp.Error.Message)
	case err := <-errCh:
		waitErr = err
	case <-waitCtx.Done():
		waitErr = waitCtx.Err()
	}

	r.kill(ctx, logger, id)

	// The deadline belongs to us only if the caller's context is still live.
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Info("container timed out", zap.Duration("timeout", timeout))
		return ContainerOutcome{
			State:    StateTimedOut,
			ExitCode: ExitCodeNoExit,
			WaitErr:  fmt.Errorf("no exit after %s: %w", timeout, ErrWaitTimeout),
		}
	}

	logger.Warn("waiting for container failed", zap.Error(waitErr))
	return ContainerOutcome{
		State:    StateWaitError,
		ExitCode: ExitCodeNoExit,
		WaitErr:  fmt.Errorf("%w: %w", ErrWaitFailed, waitErr),
	}
}

// drain splits the multiplexed log stream and copies each side into its own
// buffer from a dedicated goroutine. The returned channel yields once all
// copies have finished.
func drain(logs io.Reader, stdout, stderr io.Writer) <-chan error {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var g errgroup.Group
	g.Go(func() error {
		_, err := stdcopy.StdCopy(outW, errW, logs)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stdout, outR)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, errR)
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	return done
}

func (r *ContainerRunner) join(logger *zap.Logger, logs io.Closer, drained <-chan error) {
	select {
	case err := <-drained:
		if err != nil {
			logger.Warn("output stream ended with error", zap.Error(err))
		}
	case <-time.After(r.drainGrace):
		logger.Warn("output drain did not finish, closing stream", zap.Duration("grace", r.drainGrace))
		_ = logs.Close()
		<-drained
	}
	_ = logs.Close()
}

func (r *ContainerRunner) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
}

func (r *ContainerRunner) kill(ctx context.Context, logger *zap.Logger, id string) {
	ctx, cancel := r.cleanupContext(ctx)
	defer cancel()

	if err := r.client.ContainerKill(ctx, id, killSignal); err != nil {
		// A container that already exited refuses the kill; removal still follows.
		logger.Warn("failed to kill container", zap.Error(err))
	}
}

func (r *ContainerRunner) remove(ctx context.Context, logger *zap.Logger, id string) {
	ctx, cancel := r.cleanupContext(ctx)
	defer cancel()

	err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		logger.Error("failed to remove container", zap.Error(fmt.Errorf("%w: %w", ErrCleanupFailure, err)))
	}
}
