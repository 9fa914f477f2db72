package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evaldb/internal/api"
	"evaldb/internal/config"
	"evaldb/internal/db"
	"evaldb/internal/evaler"
	"evaldb/pkg/feed"
	"evaldb/pkg/journal"
)

func main() {
	configPath := flag.String("config", os.Getenv("EVALDB_CONFIG"), "path to a YAML config file")
	mem := flag.Bool("mem", false, "keep the journal in memory instead of Postgres")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		config.Default().Log.Logger(os.Stderr).Error("load config", "error", err)
		os.Exit(1)
	}
	log := cfg.Log.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store journal.Store
	if *mem || cfg.Server.DatabaseURL == "" {
		log.Warn("journal kept in memory; history is lost on restart")
		store = journal.NewMemStore()
	} else {
		pool, err := db.Connect(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			log.Error("connect", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = journal.NewPgStore(pool)
	}
	if err := store.EnsureTable(ctx); err != nil {
		log.Error("ensure journal tables", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		log.Error("create data dir", "dir", cfg.Server.DataDir, "error", err)
		os.Exit(1)
	}
	pool := evaler.NewPool(cfg.Server.DataDir, cfg.Server.BinDir, log)
	pool.Timeout = cfg.Server.EvalTimeout
	defer pool.Close()

	handler := api.New(feed.NewBus(store), pool, log, cfg.Server.StaticDir)
	handler.Domain = cfg.Server.Domain
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("evaldb listening", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("listen", "error", err)
		os.Exit(1)
	}
}
