// Package observability centralizes the audit log (separate from the
// per-request zerolog stream) and the dead-letter/overflow event fan-out
// used for connection-fatal and data-loss conditions, grounded on the
// teacher's monitoring/alerting.go severity levels.
package observability

import "github.com/rs/zerolog"

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// AuditLogger records connection/session-fatal and data-loss events
// distinctly from ordinary structured request logging.
type AuditLogger struct {
	logger zerolog.Logger
}

func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.With().Str("stream", "audit").Logger()}
}

func (a *AuditLogger) Record(sev Severity, event string, fields map[string]any) {
	var e *zerolog.Event
	switch sev {
	case SeverityCritical:
		e = a.logger.Error()
	case SeverityWarning:
		e = a.logger.Warn()
	default:
		e = a.logger.Info()
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Str("event", event).Msg(event)
}
