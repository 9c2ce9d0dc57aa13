package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/prodtrack/internal/api"
	"github.com/rendis/prodtrack/internal/audit"
	"github.com/rendis/prodtrack/internal/cache"
	"github.com/rendis/prodtrack/internal/engine"
	"github.com/rendis/prodtrack/internal/expressions"
	"github.com/rendis/prodtrack/internal/logging"
	"github.com/rendis/prodtrack/internal/scheduler"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/internal/streaming"
	"github.com/rendis/prodtrack/internal/validation"
)

// app is the wired dependency graph shared by serve and mcp.
type app struct {
	cfg       Config
	logger    *slog.Logger
	level     *slog.LevelVar
	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	cache     *cache.WorkflowCache
	validator *validation.JSONSchemaValidator
	audit     *audit.Log
	editor    engine.StepEditor
	sweeper   *scheduler.StallSweeper
}

func newLogger(level string) (*slog.Logger, *slog.LevelVar, error) {
	lv := new(slog.LevelVar)
	if err := setLevel(lv, level); err != nil {
		return nil, nil, err
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	return slog.New(logging.NewCorrelationHandler(h)), lv, nil
}

func setLevel(lv *slog.LevelVar, level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	lv.Set(l)
	return nil
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger, level, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	rules, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewJSONSchemaValidator(rules)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		level:     level,
		store:     st,
		hub:       streaming.NewMemoryHub(),
		validator: validator,
	}
	a.cache = cache.New(st, a.hub, cache.Config{
		TTL:      time.Duration(cfg.CacheTTL),
		Capacity: cache.DefaultConfig().Capacity,
		Logger:   logger,
	})
	a.audit = audit.New(audit.Config{
		Store:     st,
		Validator: validator,
		PoolSize:  cfg.AuditWorkers,
		Logger:    logger,
	})

	if a.editor, err = a.buildEditor(cfg); err != nil {
		a.close()
		return nil, err
	}

	a.sweeper, err = scheduler.NewStallSweeper(st, st, a.audit, scheduler.Config{
		Cron:       cfg.StallCron,
		StallAfter: time.Duration(cfg.StallAfter),
		Logger:     logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// buildEditor creates an editor over cfg's step catalog.
func (a *app) buildEditor(cfg Config) (engine.StepEditor, error) {
	catalog := engine.DefaultStepCatalog()
	if len(cfg.Steps) > 0 {
		var err error
		if catalog, err = engine.NewStepCatalog(cfg.Steps); err != nil {
			return nil, fmt.Errorf("step catalog: %w", err)
		}
	}
	if err := a.validator.CompileRules(catalog.Steps()); err != nil {
		return nil, fmt.Errorf("step catalog: %w", err)
	}
	return engine.NewStepEditor(engine.EditorConfig{
		Store:     a.cache,
		Catalog:   catalog,
		Validator: a.validator,
		Audit:     a.audit,
		Hub:       a.hub,
		Logger:    a.logger,
	}), nil
}

func (a *app) apiHandler(editor engine.StepEditor) *api.Server {
	return api.NewServer(api.Deps{
		Editor: editor,
		Audit:  a.audit,
		Cache:  a.cache,
		Logger: a.logger,
	})
}

// close drains background audit writes and closes the database.
func (a *app) close() {
	if a.audit != nil {
		a.audit.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}
