package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/jsonmessage"
	archive "github.com/moby/go-archive"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/isdmx/runbox/metrics"
)

const (
	dockerfileName      = "Dockerfile"
	defaultBuildTimeout = 10 * time.Minute
	buildLogLimit       = 64 * BytesPerKB
	languageLabel       = "runbox.language"
)

// ImageProvisioner maps languages to execution images and builds them from
// per-language templates on first use.
type ImageProvisioner struct {
	client       DockerClient
	fs           FileSystem
	logger       *zap.Logger
	recorder     metrics.Recorder
	templatesDir string
	prefix       string
	buildTimeout time.Duration

	group singleflight.Group
	mu    sync.Mutex
	ready map[Language]bool
	// stale counts Invalidate calls not yet answered by a finished build.
	stale map[Language]uint64
}

// ImageProvisionerOption defines a functional option for ImageProvisioner
type ImageProvisionerOption func(*ImageProvisioner)

// WithImageFileSystem sets the FileSystem used to look up templates
func WithImageFileSystem(fs FileSystem) ImageProvisionerOption {
	return func(p *ImageProvisioner) {
		p.fs = fs
	}
}

// WithImageMetrics sets the metrics recorder for image builds
func WithImageMetrics(recorder metrics.Recorder) ImageProvisionerOption {
	return func(p *ImageProvisioner) {
		p.recorder = recorder
	}
}

// WithBuildTimeout bounds a single image build
func WithBuildTimeout(d time.Duration) ImageProvisionerOption {
	return func(p *ImageProvisioner) {
		p.buildTimeout = d
	}
}

// NewImageProvisioner creates an ImageProvisioner building from templatesDir
// and naming images "<prefix>-<language>:latest".
func NewImageProvisioner(logger *zap.Logger, client DockerClient, templatesDir, prefix string, opts ...ImageProvisionerOption) *ImageProvisioner {
	p := &ImageProvisioner{
		client:       client,
		fs:           RealFileSystem{},
		logger:       logger,
		recorder:     metrics.Noop{},
		templatesDir: templatesDir,
		prefix:       prefix,
		buildTimeout: defaultBuildTimeout,
		ready:        make(map[Language]bool),
		stale:        make(map[Language]uint64),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ImageName returns the deterministic image name for a language.
func (p *ImageProvisioner) ImageName(language Language) string {
	return fmt.Sprintf("%s-%s:latest", p.prefix, language)
}

// EnsureImage returns the image name for language, building the image if it
// is not present locally. Concurrent calls for the same language share a
// single inspect-and-build.
func (p *ImageProvisioner) EnsureImage(ctx context.Context, language Language) (string, error) {
	name := p.ImageName(language)
	if p.isReady(language) {
		return name, nil
	}

	ch := p.group.DoChan(string(language), func() (any, error) {
		// Detached so one caller giving up does not abort a build others wait on.
		return nil, p.ensure(context.WithoutCancel(ctx), language, name)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return name, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for image %s: %w: %w", name, ErrImageBuildFailed, ctx.Err())
	}
}

// Invalidate forces the next EnsureImage call for language to rebuild.
func (p *ImageProvisioner) Invalidate(language Language) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ready, language)
	p.stale[language]++
}

func (p *ImageProvisioner) isReady(language Language) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[language]
}

// markReady records a finished build unless Invalidate was called after the
// build started, in which case the next EnsureImage builds again.
func (p *ImageProvisioner) markReady(language Language, seen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale[language] != seen {
		p.logger.Debug("image invalidated during build", zap.String("language", string(language)))
		return
	}
	p.ready[language] = true
	delete(p.stale, language)
}

func (p *ImageProvisioner) ensure(ctx context.Context, language Language, name string) error {
	p.mu.Lock()
	ready, seen := p.ready[language], p.stale[language]
	p.mu.Unlock()
	if ready {
		return nil
	}

	if seen == 0 {
		_, err := p.client.ImageInspect(ctx, name)
		switch {
		case err == nil:
			p.logger.Debug("image present", zap.String("image", name))
			p.markReady(language, seen)
			return nil
		case !cerrdefs.IsNotFound(err):
			return fmt.Errorf("failed to inspect image %s: %w: %w", name, ErrImageBuildFailed, err)
		}
	}

	start := time.Now()
	err := p.build(ctx, language, name)
	p.recorder.ObserveImageBuild(string(language), err == nil, time.Since(start))
	if err != nil {
		return err
	}

	p.markReady(language, seen)
	return nil
}

func (p *ImageProvisioner) build(ctx context.Context, language Language, name string) error {
	dir := filepath.Join(p.templatesDir, string(language))
	exists, err := p.fs.FileExists(filepath.Join(dir, dockerfileName))
	if err != nil || !exists {
		return fmt.Errorf("no %s template in %s: %w", language, dir, ErrImageBuildFailed)
	}

	p.logger.Info("building image", zap.String("image", name), zap.String("template", dir))

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to archive template %s: %w: %w", dir, ErrImageBuildFailed, err)
	}
	defer buildCtx.Close()

	ctx, cancel := context.WithTimeout(ctx, p.buildTimeout)
	defer cancel()

	resp, err := p.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{name},
		Dockerfile:  dockerfileName,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{languageLabel: string(language)},
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w: %w", name, ErrImageBuildFailed, err)
	}
	defer resp.Body.Close()

	progress := newCappedBuffer(buildLogLimit)
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, progress, 0, false, nil); err != nil {
		p.logger.Error("image build failed",
			zap.String("image", name),
			zap.String("build_log", progress.String()),
			zap.Error(err))
		return fmt.Errorf("failed to build image %s: %w: %w", name, ErrImageBuildFailed, err)
	}

	p.logger.Info("image built", zap.String("image", name))
	return nil
}
