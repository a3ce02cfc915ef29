// Copyright 2024 The Chainindex Authors
// This file is part of Chainindex.
//
// Chainindex is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainindex is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainindex. If not, see <http://www.gnu.org/licenses/>.

// Package config loads and validates the indexer's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full set of options a chainindexd process accepts.
// Zero values are filled in by Load via Defaults before validation.
type Config struct {
	BatchSize int  `toml:"batch_size"`
	Profiler  bool `toml:"profiler"`

	Cache struct {
		MaxEntries int           `toml:"max_entries"`
		TTL        time.Duration `toml:"ttl"`
	} `toml:"cache"`

	Flush struct {
		RecordThreshold int `toml:"record_threshold"`
		BlockCadence    int `toml:"block_cadence"`
	} `toml:"flush"`

	DB struct {
		DSN string `toml:"dsn"`
	} `toml:"db"`

	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Defaults returns a Config with every documented default applied.
func Defaults() Config {
	var c Config
	c.BatchSize = 25
	c.Cache.MaxEntries = 500
	c.Cache.TTL = time.Hour
	c.Flush.RecordThreshold = 10000
	c.Flush.BlockCadence = 1000
	c.Log.Level = "info"
	return c
}

// Load reads and parses a TOML file at path, applying Defaults for any
// field the file leaves unset, then validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the indexer assumes hold:
// a positive batch size and cache size, at least one positive flush
// trigger (record threshold or block cadence), and a non-empty DSN.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Flush.RecordThreshold <= 0 && c.Flush.BlockCadence <= 0 {
		return fmt.Errorf("at least one of flush.record_threshold or flush.block_cadence must be positive")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	return nil
}
