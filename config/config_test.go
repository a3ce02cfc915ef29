package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainindexd.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
[db]
dsn = "postgres://localhost/chainindex"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want default 25", cfg.BatchSize)
	}
	if cfg.Cache.MaxEntries != 500 {
		t.Errorf("Cache.MaxEntries = %d, want default 500", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want default 1h", cfg.Cache.TTL)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, `
batch_size = 100

[db]
dsn = "postgres://localhost/chainindex"

[cache]
max_entries = 1000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.BatchSize)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("Cache.MaxEntries = %d, want 1000", cfg.Cache.MaxEntries)
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	path := writeTemp(t, `batch_size = 10`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing db.dsn")
	}
}

func TestValidateRejectsNonPositiveBatchSize(t *testing.T) {
	cfg := Defaults()
	cfg.DB.DSN = "postgres://localhost/chainindex"
	cfg.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for batch_size=0")
	}
}
