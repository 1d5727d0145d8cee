package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/towtrack/internal/logging"
	"github.com/matheus3301/towtrack/internal/session"
	"github.com/matheus3301/towtrack/internal/sim"
	"github.com/matheus3301/towtrack/internal/store"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:8780", "listen address")
	dbFlag := flag.String("db", "", "database path (default ~/.towtrack/sim/towsim.db)")
	resetFlag := flag.Bool("reset", false, "drop all jobs and messages before serving")
	levelFlag := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := logging.NewConsole(*levelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*addrFlag, *dbFlag, *resetFlag, logger); err != nil {
		logger.Error("simulator failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(addr, dbPath string, reset bool, logger *zap.Logger) error {
	if dbPath == "" {
		dbPath = session.SimDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return err
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		return err
	}
	logger.Info("store initialized", zap.String("path", dbPath), zap.Uint("version", result.Version))
	if reset {
		if err := db.Reset(); err != nil {
			return err
		}
		logger.Info("store reset")
	}

	s := sim.New(sim.Options{DB: db, Logger: logger})
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("simulator listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	s.Hub().Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
