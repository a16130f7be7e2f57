package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"flixkeeper/internal/app"
	"flixkeeper/internal/config"
	apphttp "flixkeeper/internal/http"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		logger.Fatalf("start: %v", err)
	}
	if loader.Watch(a.ApplyConfig, logger) {
		logger.Info("watching config file for changes")
	}

	// graceful shutdown requested over the API
	requested := make(chan struct{}, 1)
	requestShutdown := func(string) {
		select {
		case requested <- struct{}{}:
		default:
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(apphttp.FromApp(a, requestShutdown)).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	reason, hard := "api", false
	select {
	case <-ctx.Done():
		reason, hard = "signal", true
	case <-requested:
	}
	logger.Infof("shutting down (%s)...", reason)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := a.Shutdown(reason, hard); err != nil {
		logger.Errorf("shutdown: %v", err)
	}

	logger.Info("bye")
}
