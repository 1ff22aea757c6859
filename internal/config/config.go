// Package config implements the daemon configuration loader (spec §6.2):
// a JSON file with environment-variable overrides, following the
// teacher's internal/agents YAML config-loading idiom generalized from
// a declarative team-config file to the daemon's own boot options.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/apc-daemon/apcd/internal/apcerrors"
	"github.com/apc-daemon/apcd/internal/store"
)

// Backend enumerates the supported default coding-agent backends.
type Backend string

const (
	BackendCursor Backend = "cursor"
	BackendClaude Backend = "claude"
	BackendCodex  Backend = "codex"
)

// LogLevel enumerates the recognized log levels.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Config is the recognized option set from spec §6.2.
type Config struct {
	WorkspaceRoot       string   `json:"workspaceRoot"`
	WorkingDirectory    string   `json:"workingDirectory"`
	AgentPoolSize       int      `json:"agentPoolSize"`
	DefaultBackend      Backend  `json:"defaultBackend"`
	StateUpdateInterval int      `json:"stateUpdateInterval"` // milliseconds
	Port                int      `json:"port"`
	LogLevel            LogLevel `json:"logLevel"`
}

// Defaults returns the documented default configuration for a workspace.
func Defaults(workspaceRoot string) Config {
	return Config{
		WorkspaceRoot:       workspaceRoot,
		WorkingDirectory:    "_AiDevLog",
		AgentPoolSize:       10,
		DefaultBackend:      BackendCursor,
		StateUpdateInterval: 5000,
		Port:                19840,
		LogLevel:            LogInfo,
	}
}

// Load resolves the daemon configuration for workspaceRoot: defaults,
// overlaid by daemon.json if present, overlaid by recognized environment
// variables. A malformed config file is a ConfigError (boot failure,
// spec §6.2/§7); an out-of-range environment override is logged as a
// warning and ignored rather than failing the boot.
func Load(workspaceRoot string) (Config, error) {
	cfg := Defaults(workspaceRoot)
	layout := store.NewLayout(workspaceRoot, cfg.WorkingDirectory)

	if data, err := os.ReadFile(layout.ConfigFile()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, apcerrors.New(apcerrors.KindConfig, "config.Load", fmt.Errorf("parse %s: %w", layout.ConfigFile(), err))
		}
	} else if !os.IsNotExist(err) {
		return Config{}, apcerrors.New(apcerrors.KindConfig, "config.Load", err)
	}
	// workingDirectory may have changed via the file; re-resolve so the
	// rest of Load (and the caller's own Layout) agrees with it.
	layout = store.NewLayout(workspaceRoot, cfg.WorkingDirectory)

	if err := validate(cfg); err != nil {
		return Config{}, apcerrors.New(apcerrors.KindConfig, "config.Load", err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, apcerrors.New(apcerrors.KindConfig, "config.Load", err)
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.AgentPoolSize < 1 || cfg.AgentPoolSize > 20 {
		return fmt.Errorf("agentPoolSize %d out of range [1,20]", cfg.AgentPoolSize)
	}
	if cfg.Port < 1024 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range [1024,65535]", cfg.Port)
	}
	if cfg.StateUpdateInterval < 1000 {
		return fmt.Errorf("stateUpdateInterval %dms below minimum 1000ms", cfg.StateUpdateInterval)
	}
	switch cfg.LogLevel {
	case LogDebug, LogInfo, LogWarn, LogError:
	default:
		return fmt.Errorf("logLevel %q not one of debug|info|warn|error", cfg.LogLevel)
	}
	return nil
}

// applyEnvOverrides overlays APC_WORKING_DIR, APC_POOL_SIZE, APC_PORT and
// APC_LOG_LEVEL onto cfg. Each is validated independently; an invalid
// value is logged and the file/default value is kept instead (spec §6.2:
// "invalid values are ignored with a warning").
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("APC_WORKING_DIR"); ok && v != "" {
		cfg.WorkingDirectory = v
	}
	if v, ok := os.LookupEnv("APC_POOL_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 20 {
			cfg.AgentPoolSize = n
		} else {
			slog.Warn("ignoring invalid APC_POOL_SIZE", "value", v)
		}
	}
	if v, ok := os.LookupEnv("APC_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1024 && n <= 65535 {
			cfg.Port = n
		} else {
			slog.Warn("ignoring invalid APC_PORT", "value", v)
		}
	}
	if v, ok := os.LookupEnv("APC_LOG_LEVEL"); ok {
		lvl := LogLevel(strings.ToLower(v))
		switch lvl {
		case LogDebug, LogInfo, LogWarn, LogError:
			cfg.LogLevel = lvl
		default:
			slog.Warn("ignoring invalid APC_LOG_LEVEL", "value", v)
		}
	}
}

// Save writes only the fields that differ from the documented defaults
// back to daemon.json (spec §6.2: "only non-default values are written
// back"), atomically, mirroring the State Store's write-temp-then-rename
// guarantee.
func Save(cfg Config) error {
	layout := store.NewLayout(cfg.WorkspaceRoot, cfg.WorkingDirectory)
	defaults := Defaults(cfg.WorkspaceRoot)

	out := map[string]any{"workspaceRoot": cfg.WorkspaceRoot}
	if cfg.WorkingDirectory != defaults.WorkingDirectory {
		out["workingDirectory"] = cfg.WorkingDirectory
	}
	if cfg.AgentPoolSize != defaults.AgentPoolSize {
		out["agentPoolSize"] = cfg.AgentPoolSize
	}
	if cfg.DefaultBackend != defaults.DefaultBackend {
		out["defaultBackend"] = cfg.DefaultBackend
	}
	if cfg.StateUpdateInterval != defaults.StateUpdateInterval {
		out["stateUpdateInterval"] = cfg.StateUpdateInterval
	}
	if cfg.Port != defaults.Port {
		out["port"] = cfg.Port
	}
	if cfg.LogLevel != defaults.LogLevel {
		out["logLevel"] = cfg.LogLevel
	}

	dir := layout.ConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apcerrors.New(apcerrors.KindConfig, "config.Save", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return apcerrors.New(apcerrors.KindConfig, "config.Save", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return apcerrors.New(apcerrors.KindConfig, "config.Save", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apcerrors.New(apcerrors.KindConfig, "config.Save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apcerrors.New(apcerrors.KindConfig, "config.Save", err)
	}
	if err := os.Rename(tmpName, layout.ConfigFile()); err != nil {
		os.Remove(tmpName)
		return apcerrors.New(apcerrors.KindConfig, "config.Save", err)
	}
	return nil
}

// Layout resolves the workspace layout this config points at.
func (c Config) Layout() store.Layout {
	return store.NewLayout(c.WorkspaceRoot, c.WorkingDirectory)
}
