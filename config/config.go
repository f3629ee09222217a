package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the knob surface of the profile subsystem. Every field can
// come from a TOML file, with FLOWPROF_* environment variables taking
// precedence.
type Config struct {
	// MinimalProfiling skips buffer allocation for methods with fewer
	// than three block probes and no class probes.
	MinimalProfiling bool `toml:"minimal_profiling"`

	// ClassProfiling gates class-profile probe insertion at virtual
	// call sites.
	ClassProfiling bool `toml:"class_profiling"`

	// StressBBProf, when nonzero, seeds hash-derived synthetic block
	// weights that completely supersede real profile data.
	StressBBProf uint32 `toml:"stress_bb_prof"`

	// ProfileChecks: 0 off, 1 warn, 2 assert.
	ProfileChecks int `toml:"profile_checks"`

	LogLevel     string `toml:"log_level"`
	DebugModules string `toml:"debug_modules"`
}

func Default() Config {
	return Config{
		ClassProfiling: true,
		LogLevel:       "info",
	}
}

// Load reads the optional TOML file at path (skipped when empty), then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv builds a Config from defaults plus environment variables only.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (cfg *Config) applyEnv() {
	if v, ok := envBool("FLOWPROF_MINIMAL_PROFILING"); ok {
		cfg.MinimalProfiling = v
	}
	if v, ok := envBool("FLOWPROF_CLASS_PROFILING"); ok {
		cfg.ClassProfiling = v
	}
	if v, ok := envUint32("FLOWPROF_STRESS_BB_PROF"); ok {
		cfg.StressBBProf = v
	}
	if v, ok := envInt("FLOWPROF_PROFILE_CHECKS"); ok {
		cfg.ProfileChecks = v
	}
	if v := os.Getenv("FLOWPROF_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWPROF_DEBUG"); v != "" {
		cfg.DebugModules = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false, false
	}
	return n > 0, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint32(key string) (uint32, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
