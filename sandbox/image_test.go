package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestImageProvisionerImageName(t *testing.T) {
	p := NewImageProvisioner(zaptest.NewLogger(t), newMockDockerClient(), "templates", "runbox")
	assert.Equal(t, "runbox-python:latest", p.ImageName(LanguagePython))
	assert.Equal(t, "runbox-cpp:latest", p.ImageName(LanguageCPP))
}

func TestImageProvisionerEnsureImage(t *testing.T) {
	t.Run("PresentImageIsNotRebuilt", func(t *testing.T) {
		cli := newMockDockerClient("runbox-python:latest")
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguagePython), "runbox")

		name, err := p.EnsureImage(context.Background(), LanguagePython)
		require.NoError(t, err)
		assert.Equal(t, "runbox-python:latest", name)

		builds, _, _ := cli.counts()
		assert.Zero(t, builds)
	})

	t.Run("MissingImageIsBuiltThenCached", func(t *testing.T) {
		cli := newMockDockerClient()
		rec := &recordingMetrics{}
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguageGo), "runbox", WithImageMetrics(rec))

		for range 3 {
			name, err := p.EnsureImage(context.Background(), LanguageGo)
			require.NoError(t, err)
			assert.Equal(t, "runbox-go:latest", name)
		}

		builds, _, _ := cli.counts()
		assert.Equal(t, 1, builds)
		assert.Equal(t, 1, cli.inspects, "later calls are served from the ready cache")
		require.Len(t, cli.buildOpts, 1)
		assert.Equal(t, []string{"runbox-go:latest"}, cli.buildOpts[0].Tags)
		assert.Equal(t, dockerfileName, cli.buildOpts[0].Dockerfile)
		assert.Equal(t, "go", cli.buildOpts[0].Labels[languageLabel])
		assert.Equal(t, []string{"go/true"}, rec.builds)
	})

	t.Run("ConcurrentColdStartsShareOneBuild", func(t *testing.T) {
		cli := newMockDockerClient()
		cli.buildDelay = 100 * time.Millisecond
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguageKotlin, LanguageJava), "runbox")

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := range 20 {
			lang := LanguageKotlin
			if i%2 == 1 {
				lang = LanguageJava
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.EnsureImage(context.Background(), lang)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		builds, _, _ := cli.counts()
		assert.Equal(t, 2, builds, "one build per language")
	})

	t.Run("MissingTemplate", func(t *testing.T) {
		cli := newMockDockerClient()
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, t.TempDir(), "runbox")

		_, err := p.EnsureImage(context.Background(), LanguageCPP)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrImageBuildFailed)
		assert.Contains(t, err.Error(), "no cpp template")
	})

	t.Run("MissingTemplateWithMockFileSystem", func(t *testing.T) {
		cli := newMockDockerClient()
		dir := "/opt/templates"
		mockFS := &MockFileSystem{exists: map[string]bool{filepath.Join(dir, "python", dockerfileName): false}}
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, dir, "runbox", WithImageFileSystem(mockFS))

		_, err := p.EnsureImage(context.Background(), LanguagePython)
		assert.ErrorIs(t, err, ErrImageBuildFailed)
	})

	t.Run("InspectFailureIsNotABuild", func(t *testing.T) {
		cli := newMockDockerClient()
		cli.inspectErr = errors.New("daemon unavailable")
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguagePython), "runbox")

		_, err := p.EnsureImage(context.Background(), LanguagePython)
		assert.ErrorIs(t, err, ErrImageBuildFailed)
		builds, _, _ := cli.counts()
		assert.Zero(t, builds)
	})

	t.Run("FailedBuildIsRetried", func(t *testing.T) {
		cli := newMockDockerClient()
		cli.buildErr = errors.New("registry timeout")
		rec := &recordingMetrics{}
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguageNodeJS), "runbox", WithImageMetrics(rec))

		_, err := p.EnsureImage(context.Background(), LanguageNodeJS)
		require.ErrorIs(t, err, ErrImageBuildFailed)

		cli.mu.Lock()
		cli.buildErr = nil
		cli.mu.Unlock()

		_, err = p.EnsureImage(context.Background(), LanguageNodeJS)
		require.NoError(t, err)
		builds, _, _ := cli.counts()
		assert.Equal(t, 2, builds)
		assert.Equal(t, []string{"nodejs/false", "nodejs/true"}, rec.builds)
	})

	t.Run("CallerGivesUpWhileBuildContinues", func(t *testing.T) {
		cli := newMockDockerClient()
		cli.buildDelay = 200 * time.Millisecond
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguagePython), "runbox")

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.EnsureImage(ctx, LanguagePython)
		require.ErrorIs(t, err, ErrImageBuildFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// A patient caller joins the build that is still running.
		_, err = p.EnsureImage(context.Background(), LanguagePython)
		require.NoError(t, err)
		builds, _, _ := cli.counts()
		assert.Equal(t, 1, builds)
	})

	t.Run("InvalidateForcesRebuild", func(t *testing.T) {
		cli := newMockDockerClient("runbox-python:latest")
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguagePython), "runbox")

		_, err := p.EnsureImage(context.Background(), LanguagePython)
		require.NoError(t, err)

		p.Invalidate(LanguagePython)
		_, err = p.EnsureImage(context.Background(), LanguagePython)
		require.NoError(t, err)

		builds, _, _ := cli.counts()
		assert.Equal(t, 1, builds)
	})

	t.Run("InvalidateDuringBuildIsKept", func(t *testing.T) {
		cli := newMockDockerClient()
		cli.buildDelay = 100 * time.Millisecond
		cli.buildStarted = make(chan struct{}, 1)
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguagePython), "runbox")

		done := make(chan error, 1)
		go func() {
			_, err := p.EnsureImage(context.Background(), LanguagePython)
			done <- err
		}()

		select {
		case <-cli.buildStarted:
		case <-time.After(5 * time.Second):
			t.Fatal("build never started")
		}
		p.Invalidate(LanguagePython)
		require.NoError(t, <-done)
		assert.False(t, p.isReady(LanguagePython), "an image invalidated mid-build must not be cached")

		_, err := p.EnsureImage(context.Background(), LanguagePython)
		require.NoError(t, err)
		assert.True(t, p.isReady(LanguagePython))
		_, err = p.EnsureImage(context.Background(), LanguagePython)
		require.NoError(t, err)

		builds, _, _ := cli.counts()
		assert.Equal(t, 2, builds)
	})

	t.Run("BuildTimeout", func(t *testing.T) {
		cli := newMockDockerClient()
		cli.buildDelay = time.Second
		p := NewImageProvisioner(zaptest.NewLogger(t), cli, writeTemplates(t, LanguageGo), "runbox", WithBuildTimeout(20*time.Millisecond))

		_, err := p.EnsureImage(context.Background(), LanguageGo)
		assert.ErrorIs(t, err, ErrImageBuildFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
