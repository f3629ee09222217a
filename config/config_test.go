package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.MinimalProfiling)
	require.True(t, cfg.ClassProfiling)
	require.Zero(t, cfg.StressBBProf)
	require.Zero(t, cfg.ProfileChecks)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("FLOWPROF_MINIMAL_PROFILING", "1")
	t.Setenv("FLOWPROF_CLASS_PROFILING", "0")
	t.Setenv("FLOWPROF_STRESS_BB_PROF", "77")
	t.Setenv("FLOWPROF_PROFILE_CHECKS", "2")
	t.Setenv("FLOWPROF_DEBUG", "solve_mod")

	cfg := FromEnv()
	require.True(t, cfg.MinimalProfiling)
	require.False(t, cfg.ClassProfiling)
	require.Equal(t, uint32(77), cfg.StressBBProf)
	require.Equal(t, 2, cfg.ProfileChecks)
	require.Equal(t, "solve_mod", cfg.DebugModules)
}

func TestLoadTOMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowprof.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
minimal_profiling = true
profile_checks = 1
log_level = "debug"
`), 0o644))

	t.Setenv("FLOWPROF_PROFILE_CHECKS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.MinimalProfiling)
	require.Equal(t, 2, cfg.ProfileChecks) // env wins
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/flowprof.toml")
	require.Error(t, err)
}
