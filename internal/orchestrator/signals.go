package orchestrator

import (
	"strings"

	"rlmkernel/internal/config"
	"rlmkernel/internal/sessionctx"
)

// Signal kinds named in the data model (spec.md §3).
const (
	SignalMultiFileScope   = "multi_file_scope"
	SignalArchitectureIntent = "architecture_intent"
	SignalUserThoroughness = "user_thoroughness"
	SignalSpeedOnly        = "speed_only"
	SignalExhaustiveSearch = "exhaustive_search"
)

var (
	multiFileMarkers   = []string{"across files", "across the", "multiple files", "every file", "each file", "codebase"}
	archMarkers        = []string{"architecture", "design", "redesign", "system", "refactor"}
	thoroughMarkers    = []string{"thorough", "comprehensive", "in depth", "detailed", "carefully", "exhaustive"}
	speedMarkers       = []string{"quickly", "briefly", "one sentence", "tl;dr", "short answer", "in short"}
	exhaustiveMarkers  = []string{"all possible", "every", "exhaustive", "top 3", "top-3", "rank"}
)

// AnalyzeSignals extracts complexity signals from a query's text and the
// active session context's file count, a lightweight marker-based analysis
// analogous to the teacher's ActivationEngine's keyword scoring, narrowed to
// the five signal kinds spec.md §3 names.
func AnalyzeSignals(queryText string, sessionCtx *sessionctx.Context) []Signal {
	lower := strings.ToLower(queryText)
	var signals []Signal

	if strength := markerStrength(lower, multiFileMarkers); strength > 0 {
		signals = append(signals, Signal{Kind: SignalMultiFileScope, Strength: strength})
	} else if sessionCtx != nil && len(sessionCtx.FilePaths()) > 1 {
		signals = append(signals, Signal{Kind: SignalMultiFileScope, Strength: 0.5})
	}
	if strength := markerStrength(lower, archMarkers); strength > 0 {
		signals = append(signals, Signal{Kind: SignalArchitectureIntent, Strength: strength})
	}
	if strength := markerStrength(lower, thoroughMarkers); strength > 0 {
		signals = append(signals, Signal{Kind: SignalUserThoroughness, Strength: strength})
	}
	if strength := markerStrength(lower, speedMarkers); strength > 0 {
		signals = append(signals, Signal{Kind: SignalSpeedOnly, Strength: strength})
	}
	if strength := markerStrength(lower, exhaustiveMarkers); strength > 0 {
		signals = append(signals, Signal{Kind: SignalExhaustiveSearch, Strength: strength})
	}
	return signals
}

// markerStrength returns 1.0 if any marker is present, 0 otherwise. Strength
// is binary rather than graded since marker presence, not count, is what the
// activation weights are calibrated against (config.ActivationConfig).
func markerStrength(lower string, markers []string) float64 {
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return 1.0
		}
	}
	return 0
}

// ScoreSignals computes the weighted sum of signals against the configured
// per-kind weights, the score compared against ActivationCutoff to decide
// fast-path vs decomposition.
func ScoreSignals(signals []Signal, weights map[string]float64) float64 {
	var score float64
	for _, s := range signals {
		score += weights[s.Kind] * s.Strength
	}
	return score
}

// DecideMode selects an execution mode from signals and an optional caller
// override: override wins unconditionally, then score vs ActivationConfig
// decides fast-path-eligible vs a mode keyed to which signal kinds fired.
// Mode is selected once per query and never changes mid-query (spec.md §3).
func DecideMode(signals []Signal, score float64, activation config.ActivationConfig, override config.Mode) (mode config.Mode, fastPath bool) {
	if override != "" {
		return override, false
	}
	if score < activation.ActivationCutoff {
		return config.ModeFast, true
	}

	has := func(kind string) bool {
		for _, s := range signals {
			if s.Kind == kind {
				return true
			}
		}
		return false
	}

	switch {
	case has(SignalArchitectureIntent) || (has(SignalMultiFileScope) && has(SignalUserThoroughness)):
		return config.ModeThorough, false
	case has(SignalMultiFileScope) || has(SignalUserThoroughness) || has(SignalExhaustiveSearch):
		return config.ModeBalanced, false
	case has(SignalSpeedOnly):
		return config.ModeFast, false
	default:
		return config.ModeBalanced, false
	}
}
