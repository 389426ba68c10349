package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLockIssued            AuditEvent = "lock_issued"
	AuditDataWritten           AuditEvent = "data_written"
	AuditWriteRejected         AuditEvent = "write_rejected"
	AuditHijackSuspected       AuditEvent = "hijack_suspected"
	AuditAccountCertIssued     AuditEvent = "account_cert_issued"
	AuditAuthenticatorSigned   AuditEvent = "authenticator_signed"
	AuditAuthenticatorRevoked  AuditEvent = "authenticator_revoked"
	AuditRevokeDenied          AuditEvent = "revoke_denied"
	AuditProofRateLimited      AuditEvent = "proof_rate_limited"
	AuditSignRateLimited       AuditEvent = "sign_rate_limited"
	AuditSignDenied            AuditEvent = "sign_denied"
	AuditRevocationListCreated AuditEvent = "crl_generated"
)

// auditLogger wraps slog.Logger for structured security audit logging and
// fans each event out to the metrics collector, the webhook and the stored
// audit trail.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
	store   func(username string, event AuditEvent, authName string) error
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Certificates, lock identifiers
// and authenticator data never appear in it.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now.Format(time.RFC3339),
		}
		for _, a := range attrs {
			if a.Key == "username" {
				evt.Username = a.Value.String()
				continue
			}
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string)
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent records an event for an account and appends it to the stored
// audit trail. authName is the authenticator the event concerns, if any.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, username, authName string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("username", username)}
	if authName != "" {
		attrs = append(attrs, slog.String("authname", authName))
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
	if al.store != nil {
		if err := al.store(username, event, authName); err != nil {
			al.logger.Warn("audit trail append failed", "event", string(event), "error", err)
		}
	}
}

// logFailure logs a refused request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, username, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.logEvent(event, r, username, "", attrs...)
}
