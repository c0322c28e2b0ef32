package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

const metricsReadHeaderTimeout = 5 * time.Second

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Docker daemon connection, closed on shutdown
			fx.Annotate(newDockerClient, fx.As(new(sandbox.DockerClient))),

			// Metrics
			metrics.NewPrometheus,
			newRecorder,

			// Sandbox executor based on config
			sandbox.NewExecutor,

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(registerMetricsServer),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer, shutdowner fx.Shutdowner) {
				serve := server.ServeStdio
				if cfg.Server.Transport == "http" {
					serve = server.ServeHTTP
				}
				go func() {
					if err := serve(); err != nil {
						log.Error("MCP server stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
						return
					}
					_ = shutdowner.Shutdown()
				}()
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newDockerClient(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*client.Client, error) {
	cli, err := sandbox.OpenDockerClient(context.Background(), cfg.Docker.Host)
	if err != nil {
		return nil, err
	}
	log.Info("connected to Docker daemon", zap.String("host", cli.DaemonHost()))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return cli.Close()
		},
	})
	return cli, nil
}

func newRecorder(cfg *config.Config, prom *metrics.Prometheus) metrics.Recorder {
	if !cfg.Metrics.Enabled {
		return metrics.Noop{}
	}
	return prom
}

func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, prom *metrics.Prometheus, log *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
