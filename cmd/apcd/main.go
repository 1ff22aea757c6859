// Command apcd is the agent pool coordination daemon's entry point (spec
// §6.4). It resolves any running-instance conflict for the workspace,
// loads configuration, wires every component from the Event Bus up
// through the loopback control surface, and runs until asked to stop.
package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apc-daemon/apcd/internal/agentpool"
	"github.com/apc-daemon/apcd/internal/bridge"
	"github.com/apc-daemon/apcd/internal/config"
	"github.com/apc-daemon/apcd/internal/coordinator"
	"github.com/apc-daemon/apcd/internal/events"
	"github.com/apc-daemon/apcd/internal/instance"
	"github.com/apc-daemon/apcd/internal/notify"
	"github.com/apc-daemon/apcd/internal/roles"
	"github.com/apc-daemon/apcd/internal/runner"
	"github.com/apc-daemon/apcd/internal/server"
	"github.com/apc-daemon/apcd/internal/session"
	"github.com/apc-daemon/apcd/internal/store"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "start" {
		fmt.Fprintln(os.Stderr, "usage: apcd start --headless|--vscode|--interactive [workspaceRoot] [--port N] [--force] [--verbose]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("start", flag.ExitOnError)
	headless := fs.Bool("headless", false, "run with no interactive instance-conflict prompt")
	vscodeMode := fs.Bool("vscode", false, "run as a VS Code extension host's backing daemon")
	interactiveFlag := fs.Bool("interactive", false, "prompt on the terminal when another instance is already running")
	port := fs.Int("port", 0, "override the configured port")
	force := fs.Bool("force", false, "kill a conflicting instance instead of resolving it")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	fs.Parse(os.Args[2:])

	workspaceRoot := "."
	if fs.NArg() > 0 {
		workspaceRoot = fs.Arg(0)
	}
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve workspace root: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(absRoot, *headless, *vscodeMode, *interactiveFlag, *port, *force); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

// lockFilePaths resolves the PID/port file locations for workspaceRoot per
// spec §6.1: <os-tmp>/apc_daemon_<hash>.pid, hash = first 8 hex of
// MD5(workspaceRoot). The port file shares the same data (instance.Manager
// writes the port into the PID file's JSON); a distinct .port path exists
// only so external tooling can read just the port without parsing JSON.
func lockFilePaths(workspaceRoot string) (pidPath, portPath string) {
	sum := md5.Sum([]byte(workspaceRoot))
	hash := hex.EncodeToString(sum[:])[:8]
	base := filepath.Join(os.TempDir(), fmt.Sprintf("apc_daemon_%s", hash))
	return base + ".pid", base + ".port"
}

func run(workspaceRoot string, headless, vscodeMode, interactiveFlag bool, portOverride int, force bool) error {
	cfg, err := config.Load(workspaceRoot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if portOverride > 0 {
		cfg.Port = portOverride
	}

	pidPath, portPath := lockFilePaths(workspaceRoot)
	mgr := instance.NewManager(pidPath, portPath, cfg.Port)

	// --headless and --vscode both mean "never block on a terminal
	// prompt"; --interactive forces one even when stdin isn't a tty
	// (useful under a pseudo-terminal harness). Absent any of the three,
	// fall back to whether stdin actually looks interactive.
	interactive := interactiveFlag || (!headless && !vscodeMode && instance.IsInteractive())

	existing, err := mgr.CheckExistingInstance()
	if err != nil {
		return fmt.Errorf("check existing instance: %w", err)
	}
	if existing != nil && existing.IsRunning {
		if force {
			slog.Warn("force-stopping conflicting instance", "pid", existing.PID)
			if err := instance.KillProcess(existing.PID); err != nil {
				return fmt.Errorf("force-kill existing instance: %w", err)
			}
			mgr.RemovePIDFile()
		} else {
			resolver := instance.NewResolver(mgr, interactive)
			if err := resolver.Resolve(existing); err != nil {
				return fmt.Errorf("resolve instance conflict: %w", err)
			}
			cfg.Port = mgr.GetPort()
		}
	}

	if err := mgr.AcquireLock(); err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer mgr.ReleaseLock()

	layout := cfg.Layout()
	st, err := store.New(layout)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	bus := events.NewBus(slog.Default())

	registry := roles.New()
	if err := registry.LoadOverrides(layout.RolesDir()); err != nil {
		slog.Warn("ignoring role override load failure", "error", err)
	}

	sessions := session.New(st, bus)

	deps := coordinator.Deps{
		Pool:           agentpool.New(cfg.AgentPoolSize),
		Runner:         runner.New(),
		Store:          st,
		Bus:            bus,
		TaskManagers:   sessions.TaskManagerFor,
		BackendCommand: string(cfg.DefaultBackend),
		AgentTimeout:   5 * time.Minute,
		MaxRetries:     3,
		RetryDelayMs:   2000,
	}
	coord := coordinator.New(deps)
	coord.Start()
	defer coord.Stop()

	sessions.AttachCoordinator(coord)
	defer sessions.Stop()

	if err := sessions.Recover(); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	notifier := notify.New("apcd", fmt.Sprintf("http://localhost:%d", cfg.Port))
	notifier.Start(bus)
	defer notifier.Stop()

	br, err := bridge.Start(bus, bridge.Config{})
	if err != nil {
		slog.Warn("external bridge did not start", "error", err)
	}
	if br != nil {
		defer br.Stop()
	}

	srv := server.NewServer(sessions, bus, cfg.Port)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	}()

	if !waitForReady(cfg.Port, serverErr, 5*time.Second) {
		return fmt.Errorf("server failed to become ready on port %d", cfg.Port)
	}
	slog.Info("daemon ready", "port", cfg.Port, "workspace", workspaceRoot)

	if err := mgr.WritePIDFile(os.Getpid(), cfg.Port, workspaceRoot); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}
	defer mgr.RemovePIDFile()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err.Error() != "http: Server closed" {
			slog.Error("server error", "error", err)
		}
	case <-sig:
		slog.Info("shutting down (signal received)")
	case <-srv.ShutdownChan:
		slog.Info("shutting down (API request)")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown error", "error", err)
	}

	return nil
}

// waitForReady polls the health endpoint until it answers or the timeout
// elapses, failing fast if the server goroutine reports a startup error.
func waitForReady(port int, serverErr <-chan error, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-serverErr:
			slog.Error("server failed to start", "error", err)
			return false
		default:
		}
		if instance.HealthCheck(port) == nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
