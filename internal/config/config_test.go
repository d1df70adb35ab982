package config

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Router, cfg.Router)
	require.Equal(t, ModeProfile{
		CostCapUSD: 0.25, MaxDepth: 2, MaxCalls: 20, WallTimeoutSec: 120,
		MaxChildren: 5, MaxFanout: 3, SynthesisReserveFraction: 0.15,
	}, cfg.GetModeProfile(ModeBalanced))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "test-key"
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)

	// Save -> Load -> Save: the loaded config saves again without error, and
	// its mode profiles and activation settings equal the original ones.
	reSavedPath := filepath.Join(t.TempDir(), "config2.yaml")
	require.NoError(t, loaded.Save(reSavedPath))

	if diff := cmp.Diff(cfg.ModeProfiles, loaded.ModeProfiles); diff != "" {
		t.Fatalf("mode profiles mismatch after round-trip (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(cfg.Activation, loaded.Activation); diff != "" {
		t.Fatalf("activation config mismatch after round-trip (-want +got):\n%s", diff)
	}
}

func TestGetModeProfileFallsBackToBalanced(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.ModeProfiles, ModeMicro)
	require.Equal(t, cfg.ModeProfiles[ModeBalanced], cfg.GetModeProfile(ModeMicro))
}

func TestValidateCoreLimitsRejectsInvalidValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoreLimits.MaxConcurrentInterpreters = 0
	require.Error(t, cfg.ValidateCoreLimits())

	cfg = DefaultConfig()
	cfg.CoreLimits.MaxFactsInMemory = 10
	require.Error(t, cfg.ValidateCoreLimits())
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = ""
	require.Error(t, cfg.Validate())
	cfg.LLM.APIKey = "key"
	require.NoError(t, cfg.Validate())
}
