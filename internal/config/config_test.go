package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/tracechain/ledger-node/internal/testutil"
)

// withSandboxCwd runs fn with the process working directory set to a
// fresh sandbox, restoring both the original directory and viper's global
// state afterwards (viper keeps process-wide state, so tests that load
// config files must reset it between runs).
func withSandboxCwd(t *testing.T, fn func(sb *testutil.Sandbox)) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	defer os.Chdir(orig)
	defer viper.Reset()

	for _, key := range []string{"NODE_PORT", "NODE_DIFFICULTY", "NODE_BOOTSTRAP", "KEYS_DIR"} {
		old, had := os.LookupEnv(key)
		os.Unsetenv(key)
		defer func(key, old string, had bool) {
			if had {
				os.Setenv(key, old)
			}
		}(key, old, had)
	}

	fn(sb)
}

func TestLoadUsesBuiltInDefaultsWhenNoFilePresent(t *testing.T) {
	withSandboxCwd(t, func(sb *testutil.Sandbox) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Node.Port != 5000 {
			t.Fatalf("expected default port 5000, got %d", cfg.Node.Port)
		}
		if cfg.Node.Difficulty != 2 {
			t.Fatalf("expected default difficulty 2, got %d", cfg.Node.Difficulty)
		}
		if cfg.Mempool.Threshold != 10 {
			t.Fatalf("expected default mempool threshold 10, got %d", cfg.Mempool.Threshold)
		}
	})
}

func TestLoadReadsYAMLFile(t *testing.T) {
	withSandboxCwd(t, func(sb *testutil.Sandbox) {
		if err := os.Mkdir(sb.Path("config"), 0755); err != nil {
			t.Fatalf("Mkdir failed: %v", err)
		}
		yaml := "node:\n  port: 6001\n  difficulty: 4\nmempool:\n  threshold: 5\n  cap: 100\n"
		if err := sb.WriteFile("config/default.yaml", []byte(yaml), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Node.Port != 6001 {
			t.Fatalf("expected port 6001, got %d", cfg.Node.Port)
		}
		if cfg.Node.Difficulty != 4 {
			t.Fatalf("expected difficulty 4, got %d", cfg.Node.Difficulty)
		}
	})
}

func TestNamedEnvOverridesTakePrecedence(t *testing.T) {
	withSandboxCwd(t, func(sb *testutil.Sandbox) {
		os.Setenv("NODE_PORT", "7000")
		defer os.Unsetenv("NODE_PORT")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Node.Port != 7000 {
			t.Fatalf("expected env override port 7000, got %d", cfg.Node.Port)
		}
	})
}

func TestLoadRejectsInvalidMempoolCap(t *testing.T) {
	withSandboxCwd(t, func(sb *testutil.Sandbox) {
		if err := os.Mkdir(sb.Path("config"), 0755); err != nil {
			t.Fatalf("Mkdir failed: %v", err)
		}
		yaml := "mempool:\n  threshold: 50\n  cap: 10\n"
		if err := sb.WriteFile("config/default.yaml", []byte(yaml), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := Load(""); err == nil {
			t.Fatal("expected error when mempool.cap is below mempool.threshold")
		}
	})
}

func TestDefaultDBPath(t *testing.T) {
	cfg := &Config{}
	cfg.Node.Port = 5000
	if got := DefaultDBPath(cfg); got != "blockchain_5000.db" {
		t.Fatalf("expected blockchain_5000.db, got %s", got)
	}
	cfg.Node.DBPath = "/var/lib/ledger/custom.db"
	if got := DefaultDBPath(cfg); got != "/var/lib/ledger/custom.db" {
		t.Fatalf("expected explicit db_path to be respected, got %s", got)
	}
}
