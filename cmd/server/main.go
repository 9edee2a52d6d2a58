// Command server serves the browser-facing relays to the legal-practice API and the hosted chat
// surfaces.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/legisapp/legis/internal/backend"
	"github.com/legisapp/legis/internal/handlers"
	"github.com/legisapp/legis/internal/logging"
	"github.com/legisapp/legis/internal/telemetry"
)

func main() {
	path, err := configPath()
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		log.Fatal(err)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		log.Fatal(err)
	}

	rl, err := handlers.NewRelay(cfg.APIURL, &http.Client{}, logger)
	if err != nil {
		log.Fatal(err)
	}

	surfaces := handlers.NewSurfaces(func(token string) handlers.Backend {
		return backend.NewClient(cfg.APIURL, token,
			backend.WithStreamIdleTimeout(cfg.StreamIdleTimeout),
			backend.WithLogger(logger),
		)
	}, cfg.PlaybackInterval, logger)

	mux := http.NewServeMux()
	rl.Register(mux)
	surfaces.Register(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := surfaces.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown surfaces", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("apiURL", cfg.APIURL))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil {
		logger.Error("Failed to shutdown telemetry", slog.String("err", err.Error()))
	}
}
