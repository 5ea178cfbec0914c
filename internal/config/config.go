// Package config is the ledger node's thin application-level wrapper
// around pkg/config's generic layered loader, adding the node's exit-code
// contract for a missing or malformed configuration (spec §6). It
// mirrors the shape of the teacher repo's cmd/config wrapper around its
// own pkg/config.
package config

import (
	"fmt"

	pkgconfig "github.com/tracechain/ledger-node/pkg/config"
)

// Config is an alias for the underlying loader's type so callers only
// need to import this package.
type Config = pkgconfig.Config

// Load loads the node's configuration for the given environment name
// (empty string selects defaults only) and validates the fields that
// must hold for the node to start at all.
func Load(env string) (*Config, error) {
	cfg, err := pkgconfig.Load(env)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Node.Port <= 0 || cfg.Node.Port > 65535 {
		return fmt.Errorf("node.port %d is out of range", cfg.Node.Port)
	}
	if cfg.Node.Difficulty < 0 {
		return fmt.Errorf("node.difficulty %d must be non-negative", cfg.Node.Difficulty)
	}
	if cfg.Node.KeysDir == "" {
		return fmt.Errorf("node.keys_dir must not be empty")
	}
	if cfg.Mempool.Threshold <= 0 {
		return fmt.Errorf("mempool.threshold %d must be positive", cfg.Mempool.Threshold)
	}
	if cfg.Mempool.Cap < cfg.Mempool.Threshold {
		return fmt.Errorf("mempool.cap %d must be at least mempool.threshold %d", cfg.Mempool.Cap, cfg.Mempool.Threshold)
	}
	return nil
}

// DefaultDBPath returns the node's WAL file path, defaulting to
// "blockchain_<port>.db" in the current directory when unset (spec §4.7).
func DefaultDBPath(cfg *Config) string {
	if cfg.Node.DBPath != "" {
		return cfg.Node.DBPath
	}
	return fmt.Sprintf("blockchain_%d.db", cfg.Node.Port)
}
