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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/config"
	"github.com/DoyleJ11/collab-board/internal/httpapi"
	"github.com/DoyleJ11/collab-board/internal/hub"
	"github.com/DoyleJ11/collab-board/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg.Server.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer closeStore()

	g, gctx := errgroup.WithContext(ctx)
	// Rooms close with gctx, which also drops their websocket clients.
	h := hub.NewHub(gctx, store, log)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.SetupRoutes(h, store, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(dsn string, log *zap.Logger) (boardstore.Store, func(), error) {
	if dsn == "" {
		log.Info("using in-memory board store")
		m := boardstore.NewMemory()
		return m, m.Close, nil
	}
	g, err := boardstore.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	log.Info("using database board store")
	return g, func() {
		if err := g.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}, nil
}
