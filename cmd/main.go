package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"queuedownloader/internal/api"
	"queuedownloader/internal/config"
	fileutil "queuedownloader/internal/file"
	"queuedownloader/internal/service"
	"queuedownloader/internal/task"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	configPath := "config.yml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if err := fileutil.EnsureDir(cfg.DownloadDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DownloadDir).Msg("ensure download dir")
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build service registry")
	}
	taskManager := buildTaskManager(cfg, registry)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	store, err := task.OpenStore(baseCtx, cfg.QueueStore, cfg.QueueKey)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.QueueStore).Msg("open queue store")
	}
	defer store.Close()

	if cfg.RestoreOnStart {
		if _, err := taskManager.LoadFrom(baseCtx, store); err != nil {
			log.Warn().Err(err).Msg("queue restore incomplete")
		}
	}

	router := setupRouter()
	api.NewAPI(taskManager, store, registry.Names(), &log.Logger).RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Int("workers", cfg.MaxWorkers).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, taskManager, store, cfg.ShutdownWait, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger(&log.Logger))
	return r
}

func buildRegistry(cfg config.Config) (*service.Registry, error) {
	fetcher, err := service.NewHTTP(service.HTTPOptions{
		Timeout:   cfg.HTTP.Timeout,
		UserAgent: cfg.HTTP.UserAgent,
		RPS:       cfg.HTTP.RPS,
		Burst:     cfg.HTTP.Burst,
		Logger:    &log.Logger,
	})
	if err != nil {
		return nil, err
	}
	return service.Builtin(fetcher, service.Tools{
		Mega:      cfg.Tools.Mega,
		YouTube:   cfg.Tools.YouTube,
		PlayStore: cfg.Tools.PlayStore,
	}), nil
}

func buildTaskManager(cfg config.Config, registry *service.Registry) *task.Manager {
	retryCount := cfg.RetryCount
	return task.NewManagerWithOptions(task.Options{
		DownloadDir:      cfg.DownloadDir,
		Workers:          cfg.MaxWorkers,
		RetryCount:       &retryCount,
		SizeProbeTimeout: cfg.SizeProbeTimeout,
		Registry:         registry,
		Logger:           &log.Logger,
		Tracer:           otel.Tracer("queuedownloader/task"),
		Observer: func(ev task.Event) {
			evt := log.Info()
			if ev.Kind == task.EventFail {
				evt = log.Warn()
			}
			evt.Str("event", string(ev.Kind)).Str("task_id", ev.TaskID.String()).
				Str("username", ev.Username).Str("url", ev.URL).AnErr("attempt_err", ev.Err).Msg("task event")
		},
	})
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

// gracefulShutdown stops the HTTP server and the manager. Without wait the
// queue is saved first so that the tasks cancelled by Shutdown are restored on
// the next start.
func gracefulShutdown(srv *http.Server, tm *task.Manager, store task.QueueStore, wait bool, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	saveCtx, saveCancel := context.WithTimeout(context.Background(), timeout)
	defer saveCancel()
	if wait {
		tm.Shutdown(true)
		if _, err := tm.SaveTo(saveCtx, store); err != nil {
			log.Error().Err(err).Msg("queue save failed")
		}
	} else {
		if _, err := tm.SaveTo(saveCtx, store); err != nil {
			log.Error().Err(err).Msg("queue save failed")
		}
		tm.Shutdown(false)
		if !tm.WaitAll(ctx) {
			log.Warn().Msg("running attempts did not stop before timeout")
		}
	}
	log.Info().Msg("server exited cleanly")
}
