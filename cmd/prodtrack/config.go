package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/rendis/prodtrack/internal/audit"
	"github.com/rendis/prodtrack/internal/scheduler"
	"github.com/rendis/prodtrack/pkg/schema"
)

// Config holds all prodtrack server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr   string   `json:"listen_addr"`
	DBPath       string   `json:"db_path"`
	LogLevel     string   `json:"log_level"`
	AuditWorkers int      `json:"audit_workers"`
	StallCron    string   `json:"stall_cron"`
	StallAfter   duration `json:"stall_after"`
	CacheTTL     duration `json:"cache_ttl"`
	// Steps overrides the default step catalog when non-empty.
	Steps []schema.StepDefinition `json:"steps,omitempty"`
}

// duration reads Go duration strings such as "72h" from JSON.
type duration time.Duration

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   ":4200",
		DBPath:       filepath.Join(prodtrackDir(), "prodtrack.db"),
		LogLevel:     "info",
		AuditWorkers: audit.DefaultPoolSize,
		StallCron:    scheduler.DefaultCron,
		StallAfter:   duration(scheduler.DefaultStallAfter),
		CacheTTL:     duration(5 * time.Second),
	}
}

func prodtrackDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".prodtrack"
	}
	return filepath.Join(home, ".prodtrack")
}

func settingsPath() string {
	if v := os.Getenv("PRODTRACK_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(prodtrackDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(prodtrackDir(), "prodtrack.pid")
}

// loadConfig layers settings.json and env vars over the defaults. A missing
// settings file is not an error; a malformed one is.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PRODTRACK_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PRODTRACK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PRODTRACK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PRODTRACK_AUDIT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("PRODTRACK_AUDIT_WORKERS: %w", err)
		}
		cfg.AuditWorkers = n
	}
	if v := os.Getenv("PRODTRACK_STALL_CRON"); v != "" {
		cfg.StallCron = v
	}
	for key, dst := range map[string]*duration{
		"PRODTRACK_STALL_AFTER": &cfg.StallAfter,
		"PRODTRACK_CACHE_TTL":   &cfg.CacheTTL,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		*dst = duration(d)
	}

	if cfg.AuditWorkers <= 0 {
		return cfg, fmt.Errorf("audit_workers must be positive, got %d", cfg.AuditWorkers)
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	StepsChanged    bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if !slices.Equal(old.Steps, new.Steps) {
		d.StepsChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.AuditWorkers != new.AuditWorkers {
		d.RestartNeeded = append(d.RestartNeeded, "audit_workers")
	}
	if old.StallCron != new.StallCron || old.StallAfter != new.StallAfter {
		d.RestartNeeded = append(d.RestartNeeded, "stall_cron/stall_after")
	}
	if old.CacheTTL != new.CacheTTL {
		d.RestartNeeded = append(d.RestartNeeded, "cache_ttl")
	}
	return d
}
