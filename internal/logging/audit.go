package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Audit is a structured zap logger layered over the categorized file
// logger above, used only for the small set of events an operator wants
// to alert on directly: interpreter subprocess lifecycle and budget
// exhaustion. This mirrors the teacher's cmd/nerd main.go, which runs a
// zap logger alongside (never instead of) the custom categorized logger;
// here zap covers the audit slice while the file logger covers everything
// else, including the full trajectory.
var (
	auditMu  sync.Mutex
	audit    *zap.Logger
	auditNop = zap.NewNop()
)

// InitAudit builds the zap audit logger under workspace/.rlm/logs/audit.log,
// JSON-encoded so it can be consumed by offline tooling. A no-op logger is
// installed if debug mode is off, matching the categorized logger's
// behavior: audit events are free when disabled, never buffered and
// dropped.
func InitAudit(workspace string, enabled bool) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if !enabled {
		audit = auditNop
		return nil
	}

	dir := filepath.Join(workspace, ".rlm", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		audit = auditNop
		return err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	file, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		audit = auditNop
		return err
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), zapcore.InfoLevel)
	audit = zap.New(core)
	return nil
}

// Audit returns the process-wide audit logger, a no-op until InitAudit is
// called (or never, for library callers that don't want the audit file).
func Audit() *zap.Logger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if audit == nil {
		return auditNop
	}
	return audit
}

// AuditInterpreterSpawn records a worker subprocess starting.
func AuditInterpreterSpawn(handleID, executable string, pid int) {
	Audit().Info("interpreter_spawn", zap.String("handle_id", handleID), zap.String("executable", executable), zap.Int("pid", pid))
}

// AuditInterpreterExit records a worker subprocess terminating, successfully
// or otherwise.
func AuditInterpreterExit(handleID string, failed bool, cause string) {
	Audit().Info("interpreter_exit", zap.String("handle_id", handleID), zap.Bool("failed", failed), zap.String("cause", cause))
}

// AuditBudgetExhausted records a run tripping a fallback-extraction trigger.
func AuditBudgetExhausted(trajectoryID string, depth int, costUSD float64, reason string) {
	Audit().Warn("budget_exhausted", zap.String("trajectory_id", trajectoryID), zap.Int("depth", depth), zap.Float64("cost_usd", costUSD), zap.String("reason", reason))
}
