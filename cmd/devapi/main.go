// Command devapi runs a local stand-in for the legal-practice API, backed by BoltDB and a
// configurable language model.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/legisapp/legis/internal/devapi"
	"github.com/legisapp/legis/internal/logging"
	"github.com/legisapp/legis/internal/services"
)

func main() {
	path, dataDir, err := configPath()
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := loadConfig(path, dataDir)
	if err != nil {
		log.Fatal(err)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Fatal(err)
	}
	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}

	api := devapi.NewAPI(llm, boltDB, cfg.SessionTTL, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Dev API starting", slog.String("addr", srv.Addr), slog.String("db", cfg.DBPath))
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

	if err := boltDB.Close(); err != nil {
		logger.Error("Failed to close store", slog.String("err", err.Error()))
	}
}
