// Command ledger-node runs a single replicated append-only supply-chain
// ledger node: the HTTP API of spec §6 plus the background mining, peer
// health, sync and metrics workers of internal/node. Its flag and
// signal-handling shape follows cmd/cli/mining_node.go's Cobra command
// and graceful-shutdown pattern.
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

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tracechain/ledger-node/internal/api"
	"github.com/tracechain/ledger-node/internal/config"
	"github.com/tracechain/ledger-node/internal/node"
)

// shutdownTimeout bounds how long graceful shutdown waits for in-flight
// requests and background workers to drain before giving up (spec §5).
const shutdownTimeout = 30 * time.Second

var (
	flagEnv        string
	flagPort       int
	flagDifficulty int
	flagBootstrap  string
	flagDBPath     string
)

func main() {
	root := &cobra.Command{
		Use:   "ledger-node",
		Short: "Runs a replicated append-only supply-chain ledger node",
		RunE:  run,
	}
	root.Flags().StringVar(&flagEnv, "env", "", "named configuration environment to layer over defaults")
	root.Flags().IntVar(&flagPort, "port", 0, "HTTP port to listen on (overrides configuration)")
	root.Flags().IntVar(&flagDifficulty, "difficulty", -1, "proof-of-work difficulty (overrides configuration)")
	root.Flags().StringVar(&flagBootstrap, "bootstrap", "", "URL of a peer to bootstrap from")
	root.Flags().StringVar(&flagDBPath, "db", "", "path to the node's append-only db file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(flagEnv)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	log := newLogger(cfg)

	n, err := node.New(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Node.Port),
		Handler: api.NewServer(n, n.Metrics(), log),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Node.Port).Info("ledger node listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		cancel()
		return fmt.Errorf("http server failed: %w", err)
	case <-sig:
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown did not complete cleanly")
	}
	if err := n.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("node shutdown did not complete cleanly")
		return err
	}
	log.Info("ledger node stopped")
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagPort != 0 {
		cfg.Node.Port = flagPort
	}
	if flagDifficulty >= 0 {
		cfg.Node.Difficulty = flagDifficulty
	}
	if flagBootstrap != "" {
		cfg.Node.Bootstrap = flagBootstrap
	}
	if flagDBPath != "" {
		cfg.Node.DBPath = flagDBPath
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.WithError(err).Warn("failed to open configured log file; logging to stderr instead")
		} else {
			log.SetOutput(f)
		}
	}
	return log
}
