package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mandi.org/internal/auth"
	"mandi.org/internal/obs"
)

// Step-up audit events.
const (
	EventStepUpPassed         = "stepup.passed"
	EventStepUpVerified       = "stepup.verified"
	EventStepUpVerifyFailed   = "stepup.verify_failed"
	EventStepUpEnrollRequired = "stepup.enroll_required"
	EventStepUpInquiryFailed  = "stepup.inquiry_failed"
	EventSessionRefreshed     = "session.refreshed"
	EventSessionLogout        = "session.logout"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry["user_id"] = id.UserID
		if id.OrgID != "" {
			entry["org_id"] = id.OrgID
		}
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
