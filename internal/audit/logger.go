package audit

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Event kinds.
const (
	EventCredentialDecryptFailed = "credential_decrypt_failed"
	EventTokenRejected           = "token_rejected"
	EventSessionLogout           = "session_logout"
)

// Event describes a security-relevant occurrence. Secret values must never
// be placed in any field.
type Event struct {
	Kind      string
	SubjectID int64
	TenantID  int64
	Reason    string
	RequestID string
	ClientIP  string
}

// Entry describes one API request.
type Entry struct {
	RequestID        string
	SubjectID        int64
	TenantID         int64
	TokenFingerprint string
	Method           string
	Path             string
	ResponseCode     int
	ResponseTimeMs   int64
	ClientIP         string
}

// Logger writes structured audit records tagged audit=true.
type Logger struct {
	log zerolog.Logger
}

// NewLogger creates an audit Logger writing JSON lines to w.
func NewLogger(w io.Writer) *Logger {
	return &Logger{log: zerolog.New(w).With().Timestamp().Bool("audit", true).Logger()}
}

// FromLogger derives an audit Logger from an existing zerolog logger.
func FromLogger(l zerolog.Logger) *Logger {
	return &Logger{log: l.With().Bool("audit", true).Logger()}
}

// SecurityEvent records ev at warn level.
func (l *Logger) SecurityEvent(_ context.Context, ev Event) {
	e := l.log.Warn().Str("event", ev.Kind)
	if ev.SubjectID != 0 {
		e = e.Int64("subject_id", ev.SubjectID)
	}
	if ev.TenantID != 0 {
		e = e.Int64("tenant_id", ev.TenantID)
	}
	if ev.RequestID != "" {
		e = e.Str("request_id", ev.RequestID)
	}
	if ev.ClientIP != "" {
		e = e.Str("client_ip", ev.ClientIP)
	}
	e.Str("reason", ev.Reason).Msg("security event")
}

// LogRequest records an API request at info level.
func (l *Logger) LogRequest(_ context.Context, entry Entry) {
	l.log.Info().
		Str("request_id", entry.RequestID).
		Int64("subject_id", entry.SubjectID).
		Int64("tenant_id", entry.TenantID).
		Str("token_fp", entry.TokenFingerprint).
		Str("method", entry.Method).
		Str("path", entry.Path).
		Int("status", entry.ResponseCode).
		Dur("elapsed", time.Duration(entry.ResponseTimeMs)*time.Millisecond).
		Str("client_ip", entry.ClientIP).
		Msg("request")
}
