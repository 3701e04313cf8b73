package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names an entry in the bootstrap audit trail.
type AuditEventType string

const (
	AuditStepChanged         AuditEventType = "step_changed"
	AuditSelectionRejected   AuditEventType = "selection_rejected"
	AuditEntitlementResolved AuditEventType = "entitlement_resolved"
	AuditEntitlementFailed   AuditEventType = "entitlement_failed"
	AuditSignIn              AuditEventType = "sign_in"
	AuditSignInFailed        AuditEventType = "sign_in_failed"
	AuditProjectOpened       AuditEventType = "project_opened"
	AuditProjectFailed       AuditEventType = "project_failed"
	AuditReset               AuditEventType = "reset"
)

// AuditEvent is one line of audit.jsonl.
type AuditEvent struct {
	EventType  AuditEventType
	Generation uint64
	From       string
	To         string
	Subject    string // user id, project id or tier
	Error      string
	Fields     map[string]interface{}
}

var (
	auditMu     sync.Mutex
	auditFile   *os.File
	auditLogger *AuditLogger
)

// AuditLogger appends structured bootstrap events to the audit trail.
type AuditLogger struct {
	zl      *zap.Logger
	session string
}

// InitAudit opens <logs>/audit.jsonl. It is a no-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()

	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	auditFile = f

	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey, ec.MessageKey = "ts", "event"
	ec.LevelKey, ec.NameKey, ec.CallerKey = "", "", ""
	ec.EncodeTime = zapcore.EpochMillisTimeEncoder
	auditLogger = &AuditLogger{zl: zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(ec), zapcore.AddSync(f), zapcore.InfoLevel))}
	return nil
}

// CloseAudit closes the audit file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditLogger != nil {
		_ = auditLogger.zl.Sync()
	}
	if auditFile != nil {
		auditFile.Close()
	}
	auditFile = nil
	auditLogger = nil
}

// Audit returns the audit logger, or a no-op logger when auditing is off.
func Audit() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLogger == nil {
		return &AuditLogger{zl: zap.NewNop()}
	}
	return auditLogger
}

// WithSession tags every event with a launch session id.
func (a *AuditLogger) WithSession(session string) *AuditLogger {
	return &AuditLogger{zl: a.zl.With(zap.String("session", session)), session: session}
}

// Log writes one event.
func (a *AuditLogger) Log(e AuditEvent) {
	fields := []zap.Field{zap.Uint64("gen", e.Generation)}
	if e.From != "" || e.To != "" {
		fields = append(fields, zap.String("from", e.From), zap.String("to", e.To))
	}
	if e.Subject != "" {
		fields = append(fields, zap.String("subject", e.Subject))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	if len(e.Fields) > 0 {
		fields = append(fields, zap.Any("fields", e.Fields))
	}
	a.zl.Info(string(e.EventType), fields...)
}

// StepChanged records a transition between bootstrap steps.
func (a *AuditLogger) StepChanged(from, to string, generation uint64) {
	a.Log(AuditEvent{EventType: AuditStepChanged, From: from, To: to, Generation: generation})
}

// Failure records a user-facing error recorded in state.
func (a *AuditLogger) Failure(event AuditEventType, subject string, generation uint64, err error) {
	e := AuditEvent{EventType: event, Subject: subject, Generation: generation}
	if err != nil {
		e.Error = err.Error()
	}
	a.Log(e)
}
