package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/metrics"
)

// createdContainer captures what the engine asked the runtime to create.
type createdContainer struct {
	Name       string
	Config     *container.Config
	HostConfig *container.HostConfig
	// Files is the workspace content visible through the bind mount at create time.
	Files map[string]string
}

// MockDockerClient implements DockerClient for testing
type MockDockerClient struct {
	mu sync.Mutex

	// images holds the names ImageInspect reports as present.
	images       map[string]bool
	inspectErr   error
	buildErr     error
	buildStream  string
	buildDelay   time.Duration
	buildStarted chan struct{}

	createErr     error
	panicOnCreate bool
	startErr      error
	logsErr       error
	removeErr     error

	stdout      string
	stderr      string
	exitCode    int64
	exitDelay   time.Duration
	hang        bool
	waitErr     error
	waitRespErr string

	inspects  int
	builds    int
	buildOpts []build.ImageBuildOptions
	created   []createdContainer
	starts    int
	kills     int
	removes   int
}

var _ DockerClient = (*MockDockerClient)(nil)

func newMockDockerClient(present ...string) *MockDockerClient {
	m := &MockDockerClient{images: make(map[string]bool)}
	for _, name := range present {
		m.images[name] = true
	}
	return m
}

func (m *MockDockerClient) ImageInspect(_ context.Context, imageID string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inspects++

	if m.inspectErr != nil {
		return image.InspectResponse{}, m.inspectErr
	}
	if !m.images[imageID] {
		return image.InspectResponse{}, fmt.Errorf("No such image: %s: %w", imageID, cerrdefs.ErrNotFound)
	}
	return image.InspectResponse{ID: "sha256:" + imageID}, nil
}

func (m *MockDockerClient) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	if _, err := io.Copy(io.Discard, buildContext); err != nil {
		return build.ImageBuildResponse{}, err
	}
	if m.buildStarted != nil {
		select {
		case m.buildStarted <- struct{}{}:
		default:
		}
	}
	if m.buildDelay > 0 {
		select {
		case <-time.After(m.buildDelay):
		case <-ctx.Done():
			return build.ImageBuildResponse{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds++
	m.buildOpts = append(m.buildOpts, options)

	if m.buildErr != nil {
		return build.ImageBuildResponse{}, m.buildErr
	}

	stream := m.buildStream
	if stream == "" {
		stream = `{"stream":"Step 1/1 : FROM scratch\n"}` + "\n" + `{"stream":"Successfully built\n"}` + "\n"
		for _, tag := range options.Tags {
			m.images[tag] = true
		}
	}
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(stream))}, nil
}

func (m *MockDockerClient) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.panicOnCreate {
		panic("runtime exploded")
	}
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}

	files := map[string]string{}
	if len(hostConfig.Mounts) > 0 {
		files = snapshotDir(hostConfig.Mounts[0].Source)
	}
	m.created = append(m.created, createdContainer{
		Name:       containerName,
		Config:     config,
		HostConfig: hostConfig,
		Files:      files,
	})
	return container.CreateResponse{ID: "id-" + containerName}, nil
}

func (m *MockDockerClient) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return m.startErr
}

func (m *MockDockerClient) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	if m.logsErr != nil {
		return nil, m.logsErr
	}

	var buf bytes.Buffer
	if m.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(m.stdout))
	}
	if m.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(m.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (m *MockDockerClient) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	respCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	switch {
	case m.hang:
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
	case m.waitErr != nil:
		errCh <- m.waitErr
	case m.waitRespErr != "":
		respCh <- container.WaitResponse{Error: &container.WaitExitError{Message: m.waitRespErr}}
	default:
		go func() {
			if m.exitDelay > 0 {
				time.Sleep(m.exitDelay)
			}
			respCh <- container.WaitResponse{StatusCode: m.exitCode}
		}()
	}

	return respCh, errCh
}

func (m *MockDockerClient) ContainerKill(_ context.Context, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kills++
	return nil
}

func (m *MockDockerClient) ContainerRemove(_ context.Context, _ string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes++
	return m.removeErr
}

func (m *MockDockerClient) counts() (builds, kills, removes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.builds, m.kills, m.removes
}

func (m *MockDockerClient) containers() []createdContainer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]createdContainer(nil), m.created...)
}

func snapshotDir(root string) map[string]string {
	files := map[string]string{}
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		content, _ := os.ReadFile(p)
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	return files
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mu             sync.Mutex
	mkdirErrors    map[string]error
	mkdirAllErrors map[string]error
	writeFileErrs  map[string]error
	removeAllErrs  map[string]error
	chownErr       error
	chmodErr       error
	exists         map[string]bool

	writeFileData map[string][]byte
	removed       []string
	chowned       []string
	chmods        map[string]os.FileMode
}

func (m *MockFileSystem) Mkdir(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.mkdirErrors[path]; ok {
		return err
	}
	return nil
}

func (m *MockFileSystem) MkdirAll(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.mkdirAllErrors[path]; ok {
		return err
	}
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.writeFileErrs[filename]; ok {
		return err
	}
	// Store the data as part of the mock behavior
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
	}
	m.writeFileData[filename] = data
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	if err, ok := m.removeAllErrs[path]; ok {
		return err
	}
	return nil
}

func (m *MockFileSystem) Chown(path string, _, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chownErr != nil {
		return m.chownErr
	}
	m.chowned = append(m.chowned, path)
	return nil
}

func (m *MockFileSystem) Chmod(path string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chmodErr != nil {
		return m.chmodErr
	}
	if m.chmods == nil {
		m.chmods = make(map[string]os.FileMode)
	}
	m.chmods[path] = mode
	return nil
}

func (m *MockFileSystem) FileExists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if result, ok := m.exists[path]; ok {
		return result, nil
	}
	return true, nil
}

// writeTemplates creates a templates directory with a Dockerfile per language.
func writeTemplates(t *testing.T, langs ...Language) string {
	t.Helper()
	dir := t.TempDir()
	for _, l := range langs {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, string(l)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(l), dockerfileName), []byte("FROM scratch\n"), 0o644))
	}
	return dir
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		WorkspaceRoot:   filepath.Join(t.TempDir(), "executions"),
		TemplatesDir:    writeTemplates(t, SupportedLanguages()...),
		ImagePrefix:     "runbox",
		ContainerPrefix: "exec",
		Timeout:         5 * time.Second,
		MemoryMB:        256,
		CPUShares:       512,
		PidsLimit:       64,
		NetworkMode:     "none",
		User:            "1000:1000",
		MaxOutputBytes:  BytesPerMB,
		Limits: Limits{
			MaxFiles:      16,
			MaxFileBytes:  64 * BytesPerKB,
			MaxTotalBytes: 256 * BytesPerKB,
		},
	}
}

func TestDockerExecutorConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := testConfig(t)
	cli := newMockDockerClient()

	t.Run("DefaultConstructor", func(t *testing.T) {
		executor := NewDockerExecutor(logger, config, cli)
		require.NotNil(t, executor)
		assert.Equal(t, logger, executor.logger)
		assert.Equal(t, config, executor.config)
		// Default implementations should be set
		assert.IsType(t, RealFileSystem{}, executor.fs)
		assert.IsType(t, metrics.Noop{}, executor.recorder)
		assert.NotNil(t, executor.workspaces)
		assert.NotNil(t, executor.Images())
		assert.NotNil(t, executor.runner)
		assert.Equal(t, config.WorkspaceRoot, executor.workspaces.Root())
	})

	t.Run("ConstructorWithOptions", func(t *testing.T) {
		mockFS := &MockFileSystem{}
		recorder := metrics.NewPrometheus()

		executor := NewDockerExecutor(
			logger,
			config,
			cli,
			WithDockerFileSystem(mockFS),
			WithDockerMetrics(recorder),
			WithDockerIDGenerator(func() string { return "fixed" }),
			WithDockerRunnerOptions(WithCleanupTimeout(time.Second), WithDrainGrace(time.Second)),
		)
		require.NotNil(t, executor)
		assert.Equal(t, mockFS, executor.fs)
		assert.Equal(t, recorder, executor.recorder)
		assert.Equal(t, "fixed", executor.newID())
		assert.Equal(t, time.Second, executor.runner.cleanupTimeout)
		assert.Equal(t, time.Second, executor.runner.drainGrace)
	})

	t.Run("BuildTimeoutPropagates", func(t *testing.T) {
		cfg := *config
		cfg.BuildTimeout = time.Minute
		executor := NewDockerExecutor(logger, &cfg, cli)
		assert.Equal(t, time.Minute, executor.Images().buildTimeout)
	})
}

func TestNewExecutionIDIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for range 100 {
		id := newExecutionID()
		assert.Regexp(t, executionIDPattern, id)
		assert.Equal(t, strings.ToLower(id), id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestErrorResult(t *testing.T) {
	err := fmt.Errorf("boom: %w", ErrImageBuildFailed)
	result := errorResult("abc", err)

	assert.Equal(t, "abc", result.ExecutionID)
	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, ExitCodeNoExit, result.ExitCode)
	assert.Zero(t, result.ExecutionTime)
	assert.Equal(t, err.Error(), result.Error)
	assert.True(t, errors.Is(result.Err, ErrImageBuildFailed))
}
