package instance

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Resolver handles conflicts when a daemon is already running for a
// workspace.
type Resolver struct {
	mgr         *Manager
	interactive bool
}

// NewResolver creates a new conflict resolver.
func NewResolver(mgr *Manager, interactive bool) *Resolver {
	return &Resolver{mgr: mgr, interactive: interactive}
}

// Resolve handles the conflict resolution process. It may exit the
// process (the connect and exit strategies both do). Returns an error
// only if resolution itself fails, not for a deliberate exit.
func (r *Resolver) Resolve(info *Info) error {
	if !r.interactive {
		return r.handleNonInteractive(info)
	}
	return r.handleInteractive(info)
}

func (r *Resolver) handleInteractive(info *Info) error {
	r.displayConflictInfo(info)

	reader := bufio.NewReader(os.Stdin)
	for {
		choice, err := r.promptUser(reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			continue
		}

		switch choice {
		case 1:
			return r.connectToExisting(info)
		case 2:
			return r.stopExisting(info, false)
		case 3:
			return r.useDifferentPort(info)
		case 4:
			return r.stopExisting(info, true)
		case 5:
			fmt.Println("\nCanceling startup.")
			os.Exit(0)
		default:
			fmt.Println("Invalid choice. Please enter 1-5.")
		}
	}
}

// handleNonInteractive resolves the conflict per APC_ON_CONFLICT
// (spec-named env var convention, alongside APC_WORKING_DIR/APC_PORT/
// etc. in internal/config), defaulting to "exit" when unset so a
// script invoking apcd twice never silently kills or hijacks a running
// session.
func (r *Resolver) handleNonInteractive(info *Info) error {
	strategy := os.Getenv("APC_ON_CONFLICT")
	if strategy == "" {
		strategy = "exit"
	}

	fmt.Printf("Port %d is in use (PID %d). Conflict strategy: %s\n", info.Port, info.PID, strategy)

	switch strategy {
	case "exit":
		fmt.Fprintf(os.Stderr, "Another instance is running on port %d (PID %d)\n", info.Port, info.PID)
		fmt.Fprintf(os.Stderr, "Set APC_ON_CONFLICT to 'kill', 'port', or 'connect' to change behavior\n")
		os.Exit(1)
		return nil
	case "kill":
		return r.stopExisting(info, true)
	case "port":
		return r.useDifferentPort(info)
	case "connect":
		return r.connectToExisting(info)
	default:
		return fmt.Errorf("unknown conflict strategy: %s", strategy)
	}
}

func (r *Resolver) displayConflictInfo(info *Info) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║  ERROR: Cannot start apcd                                           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Another instance is already running on port %d:\n\n", info.Port)
	fmt.Printf("  PID:         %d\n", info.PID)
	fmt.Printf("  Port:        %d\n", info.Port)
	fmt.Printf("  Started:     %s (%s ago)\n",
		info.StartTime.Format("2006-01-02 15:04:05"),
		time.Since(info.StartTime).Round(time.Second))

	status := "Not responding"
	if info.IsResponding {
		status = "Running and responding"
	}
	fmt.Printf("  Status:      %s\n", status)
	fmt.Printf("  Dashboard:   http://localhost:%d\n", info.Port)
	fmt.Println()

	fmt.Println("┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│  What would you like to do?                                      │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	fmt.Println()
	fmt.Println("  1. Connect to existing instance")
	fmt.Printf("     -> Opens http://localhost:%d in your browser\n", info.Port)
	fmt.Println()
	fmt.Println("  2. Stop existing instance and start new one")
	fmt.Println("     -> Gracefully shuts down previous instance")
	fmt.Println()
	fmt.Println("  3. Start on a different port")
	fmt.Println("     -> Automatically finds next available port")
	fmt.Println()
	fmt.Println("  4. Force kill existing instance")
	fmt.Println("     -> Terminates process immediately (use if unresponsive)")
	fmt.Println()
	fmt.Println("  5. Exit")
	fmt.Println("     -> Cancel startup")
	fmt.Println()
}

func (r *Resolver) promptUser(reader *bufio.Reader) (int, error) {
	fmt.Print("Enter choice (1-5): ")
	input, err := reader.ReadString('\n')
	if err != nil {
		return 0, err
	}

	choice, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return 0, fmt.Errorf("invalid input")
	}
	return choice, nil
}

// connectToExisting opens the existing instance's dashboard in the
// default browser and exits.
func (r *Resolver) connectToExisting(info *Info) error {
	url := fmt.Sprintf("http://localhost:%d", info.Port)
	fmt.Printf("\nConnecting to existing instance at %s\n", url)

	if err := openBrowser(url); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to open browser: %v\n", err)
		fmt.Printf("Please open %s manually\n", url)
	}

	fmt.Println("Exiting...")
	os.Exit(0)
	return nil
}

// openBrowser launches url in the platform's default browser.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("cmd", "/C", "start", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

// stopExisting attempts to stop the existing instance, trying a
// graceful shutdown before force-killing.
func (r *Resolver) stopExisting(info *Info, force bool) error {
	if !force && info.IsResponding {
		fmt.Println("\nSending graceful shutdown request...")
		if err := SendShutdownRequest(info.Port); err != nil {
			fmt.Printf("Graceful shutdown failed: %v\n", err)
			fmt.Println("Attempting force kill...")
			force = true
		} else {
			fmt.Println("Waiting for graceful shutdown...")
			time.Sleep(3 * time.Second)

			running, _ := IsProcessRunning(info.PID)
			if !running {
				fmt.Println("Previous instance stopped successfully")
				r.mgr.RemovePIDFile()
				return nil
			}

			fmt.Println("Process still running after graceful shutdown request")
			fmt.Println("Attempting force kill...")
			force = true
		}
	}

	if force {
		fmt.Printf("Force killing process %d...\n", info.PID)
		if err := KillProcess(info.PID); err != nil {
			return fmt.Errorf("kill process: %w", err)
		}
		time.Sleep(1 * time.Second)
		r.mgr.RemovePIDFile()
		fmt.Println("Previous instance terminated")
	}

	return nil
}

// useDifferentPort finds an available port and continues startup on it.
func (r *Resolver) useDifferentPort(info *Info) error {
	currentPort := r.mgr.GetPort()
	newPort := FindAvailablePort(currentPort + 1)
	if newPort == 0 {
		return fmt.Errorf("could not find an available port")
	}

	fmt.Printf("\nStarting on port %d instead...\n", newPort)
	r.mgr.SetPort(newPort)
	return nil
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
