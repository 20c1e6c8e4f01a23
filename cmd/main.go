package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "gocloud.dev/blob/s3blob"

	"bucketdrop/internal/api"
	"bucketdrop/internal/backend"
	"bucketdrop/internal/config"
	fileutil "bucketdrop/internal/file"
	"bucketdrop/internal/job"
	"bucketdrop/internal/storage"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	bucket, err := storage.OpenBucket(baseCtx, cfg.Storage.BucketURL)
	if err != nil {
		log.Fatal().Err(err).Str("bucket_url", cfg.Storage.BucketURL).Msg("open bucket failed")
	}
	defer func() { _ = bucket.Close() }()

	browser := storage.NewBrowser(bucket, storage.Options{
		MaxList:       cfg.Storage.MaxList,
		PresignExpiry: cfg.Storage.PresignExpiry.Std(),
	})

	jobBackend := backend.New(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout.Std())

	tracker := job.NewTracker(job.TrackerOptions{
		PollInterval:  cfg.Backend.PollInterval.Std(),
		RedirectDelay: cfg.Backend.RedirectDelay.Std(),
		Store:         job.NewFileStore(cfg.DataDir),
	})
	tracker.SetBaseContext(baseCtx)
	if err := tracker.LoadHistory(); err != nil {
		log.Warn().Err(err).Msg("load download history failed")
	}

	router := setupRouter()
	wireAPI(router, browser, jobBackend, tracker)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Str("backend", cfg.Backend.BaseURL).Msg("bucketdrop listening")

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, tracker, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.RequestID())
	r.Use(api.ZerologLogger())
	return r
}

func wireAPI(router *gin.Engine, browser *storage.Browser, jobBackend *backend.Client, tracker *job.Tracker) {
	apiHandler := api.NewAPI(browser, jobBackend, tracker)
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)
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

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, tracker *job.Tracker, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !tracker.Close(ctx) {
		log.Warn().Msg("job tracker did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
