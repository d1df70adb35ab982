package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitializeNoConfigIsNoOp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir))
	require.False(t, IsDebugMode())

	_, err := os.Stat(filepath.Join(dir, ".rlm", "logs"))
	require.True(t, os.IsNotExist(err))
}

func TestInitializeWithDebugModeCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".rlm"), 0755))
	cfg := `{"logging":{"debug_mode":true,"level":"debug"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".rlm", "config.json"), []byte(cfg), 0644))

	require.NoError(t, Initialize(dir))
	require.True(t, IsDebugMode())

	Get(CategoryOrchestrator).Info("hello %s", "world")

	entries, err := os.ReadDir(filepath.Join(dir, ".rlm", "logs"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestTimerStopReturnsElapsed(t *testing.T) {
	timer := StartTimer(CategoryMemory, "test-op")
	d := timer.Stop()
	require.GreaterOrEqual(t, d.Nanoseconds(), int64(0))
}
