package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"pingrpc/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("pingd failed", zap.Error(err))
	}
}

// run serves until SIGINT or SIGTERM, then shuts the HTTP bridge down before the RPC side.
func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg, logger)
	if err != nil {
		return errors.Annotate(err, "starting node")
	}

	httpServer := &http.Server{Addr: cfg.HTTP.Address, Handler: n.app.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http bridge", zap.String("addr", cfg.HTTP.Address))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		err = errors.Annotate(err, "http bridge")
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RPC.ShutdownTimeout)
	defer cancel()
	if herr := httpServer.Shutdown(shutdownCtx); herr != nil {
		logger.Warn("http bridge shutdown", zap.Error(herr))
	}
	if nerr := n.shutdown(shutdownCtx); nerr != nil {
		logger.Warn("rpc shutdown", zap.Error(nerr))
	}
	return err
}
