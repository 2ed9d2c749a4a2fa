package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cif-go/cifstore/internal/config"
	"github.com/cif-go/cifstore/internal/http/api"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Version is reported by GET /. It is set at build time.
var Version = "dev"

// RunServer loads the config, builds the application context and serves
// HTTP until ctx is cancelled. port overrides the configured port when > 0.
func RunServer(ctx context.Context, appCfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	if port > 0 {
		cfg.Port = port
	}

	logCloser := setupLogging(cfg)
	defer func() { _ = logCloser.Close() }()

	info, errInfo := describeDSN(cfg.DSN())
	if errInfo != nil {
		log.WithError(errInfo).Warn("unrecognized database dsn")
	}
	log.WithFields(info.Fields()).Info("opening database")

	appCtx, errCtx := NewContext(ctx, cfg, WithConfigPath(configPath), WithVersion(Version))
	if errCtx != nil {
		return errCtx
	}
	defer func() {
		if errClose := appCtx.Close(); errClose != nil {
			log.WithError(errClose).Warn("shutdown incomplete")
		}
	}()
	if errStart := appCtx.Start(ctx); errStart != nil {
		return errStart
	}

	if !cfg.Trace {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           api.NewRouter(appCtx.Gateway),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return serve(ctx, srv)
}

// serve runs srv until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("cif-httpd listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", errServe)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("http shutdown: %w", errShutdown)
	}
	return nil
}
