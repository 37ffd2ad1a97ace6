// Command datajobd is the scheduling daemon: it loads every job from
// the Store, starts the cron loop, and serves the Control API until a
// termination signal arrives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/datajob/engine/internal/api"
	"github.com/datajob/engine/internal/config"
	"github.com/datajob/engine/internal/executor"
	"github.com/datajob/engine/internal/fetcher"
	"github.com/datajob/engine/internal/logging"
	"github.com/datajob/engine/internal/mailer"
	"github.com/datajob/engine/internal/scheduler"
	"github.com/datajob/engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(err)
	}

	st, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open job store")
	}

	f := fetcher.New(cfg.UploadRoot)
	m := mailer.New(mailer.Config{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		FromEmail: cfg.SMTPFrom,
		UseTLS: cfg.SMTPUseTLS,
	})

	exec := executor.New(st, f, m, cfg.ScriptTimeout, cfg.WorkerPoolSize, log)
	sch := scheduler.New(exec, log)
	if err := sch.LoadAll(st); err != nil {
		log.Error().Err(err).Msg("failed to load some jobs at startup")
	}
	sch.Start()

	handler := api.New(st, sch, exec, cfg.UploadRoot, log)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server crashed")
		}
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")

	sch.Stop(cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}

	log.Info().Msg("datajobd stopped")
}

// openStore picks FileStore by default, or PostgresStore when
// DATABASE_URL is set, both satisfying store.Store.
func openStore(cfg config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.NewPostgresStore(cfg.DatabaseURL)
	}
	return store.NewFileStore(cfg.JobStoragePath, log)
}
