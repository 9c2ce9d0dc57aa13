package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/prodtrack/pkg/mcp"
)

const usage = `usage: prodtrack <command>

commands:
  serve     run the HTTP API and stall sweeper (default)
  mcp       serve MCP tools over stdio
  migrate   apply database migrations and exit
  reload    signal a running server to reload settings.json
  version   print the version`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "mcp":
		err = runMCP()
	case "migrate":
		err = runMigrate()
	case "reload":
		if !signalRunningServer() {
			err = errors.New("no running server found")
		}
	case "version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	go a.cache.Run(ctx)
	if err := a.sweeper.Start(ctx); err != nil {
		return err
	}
	defer a.sweeper.Stop()

	if err := writePID(); err != nil {
		a.logger.Warn("failed to write pid file", "error", err)
	}
	defer os.Remove(pidPath())

	swapper := newHandlerSwapper(a.apiHandler(a.editor).Handler())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				a.reload(swapper)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("prodtrack listening", "addr", cfg.ListenAddr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// reload re-reads settings.json. The log level applies immediately and a
// changed step catalog swaps in a new API; other fields need a restart.
func (a *app) reload(swapper *handlerSwapper) {
	next, err := loadConfig()
	if err != nil {
		a.logger.Error("reload failed", "error", err)
		return
	}
	d := diffConfigs(a.cfg, next)

	if d.LogLevelChanged {
		if err := setLevel(a.level, next.LogLevel); err != nil {
			a.logger.Error("reload failed", "error", err)
			return
		}
		a.cfg.LogLevel = next.LogLevel
	}
	if d.StepsChanged {
		editor, err := a.buildEditor(next)
		if err != nil {
			a.logger.Error("reload failed", "error", err)
			return
		}
		swapper.Swap(a.apiHandler(editor).Handler())
		a.cfg.Steps = next.Steps
	}
	if len(d.RestartNeeded) > 0 {
		a.logger.Warn("settings changed that need a restart", "fields", strings.Join(d.RestartNeeded, ", "))
	}
	a.logger.Info("configuration reloaded", "log_level", a.cfg.LogLevel, "steps_changed", d.StepsChanged)
}

func runMCP() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	go a.cache.Run(ctx)

	srv := mcp.NewServer(mcp.ServerDeps{
		Editor: a.editor,
		Audit:  a.audit,
		Logger: a.logger,
	})
	return srv.Serve(ctx)
}

func runMigrate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(context.Background(), cfg.DBPath)
	if err != nil {
		return err
	}
	fmt.Printf("Database migrated: %s\n", cfg.DBPath)
	return s.Close()
}

func writePID() error {
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// signalRunningServer sends SIGHUP to a running prodtrack server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
