package logging

import (
	"log/slog"
	"time"

	"github.com/busybox42/elemta-core/internal/mail"
)

// MessageLogger provides structured logging for message lifecycle events
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger. A nil logger uses the
// slog default.
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// MessageContext contains all context about a message for logging
type MessageContext struct {
	MessageID      string
	Queue          string
	Pipeline       string
	Stage          string
	From           string
	To             []string
	State          string
	Size           int
	ReceptionTime  time.Time
	DeliveryHost   string
	DeliveryMethod string
	RetryCount     int
	NextRetry      time.Time
	Error          string
}

// ContextFor fills a MessageContext from m.
func ContextFor(m *mail.Mail) MessageContext {
	return MessageContext{
		MessageID:     m.ID,
		From:          m.Sender,
		To:            append([]string(nil), m.Recipients...),
		State:         m.State,
		Size:          len(m.Body),
		ReceptionTime: m.CreatedAt,
		RetryCount:    m.Attempts,
		Error:         m.LastError,
	}
}

func (ctx MessageContext) fields(eventType, status string, now time.Time) []any {
	fields := []any{
		"event_type", eventType,
		"message_id", ctx.MessageID,
		"from", ctx.From,
		"to", ctx.To,
		"recipient_count", len(ctx.To),
		"size", ctx.Size,
		"retry_count", ctx.RetryCount,
		"status", status,
	}
	if ctx.Queue != "" {
		fields = append(fields, "queue", ctx.Queue)
	}
	if ctx.Pipeline != "" {
		fields = append(fields, "pipeline", ctx.Pipeline)
	}
	if ctx.Stage != "" {
		fields = append(fields, "stage", ctx.Stage)
	}
	if ctx.DeliveryMethod != "" {
		fields = append(fields, "delivery_method", ctx.DeliveryMethod)
	}
	if !ctx.ReceptionTime.IsZero() {
		fields = append(fields,
			"reception_time", ctx.ReceptionTime.Format(time.RFC3339),
			"total_delay_ms", now.Sub(ctx.ReceptionTime).Milliseconds(),
		)
	}
	return fields
}

// LogReception logs a message entering the spool.
func (ml *MessageLogger) LogReception(ctx MessageContext) {
	ml.logger.Info("message_reception", ctx.fields("reception", "queued", time.Now())...)
}

// LogDelivery logs successful message delivery
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	fields := ctx.fields("delivery", "delivered", time.Now())
	if ctx.DeliveryHost != "" {
		fields = append(fields, "delivery_host", ctx.DeliveryHost)
	}
	ml.logger.Info("message_delivery", fields...)
}

// LogDeferral logs when a message is deferred for retry
func (ml *MessageLogger) LogDeferral(ctx MessageContext) {
	now := time.Now()
	fields := ctx.fields("deferral", "deferred", now)
	if !ctx.NextRetry.IsZero() {
		fields = append(fields,
			"next_retry", ctx.NextRetry.Format(time.RFC3339),
			"next_retry_in_seconds", int(ctx.NextRetry.Sub(now).Seconds()),
		)
	}
	fields = append(fields, "deferral_reason", ctx.Error)
	ml.logger.Warn("message_deferral", fields...)
}

// LogTempFail logs temporary delivery failures
func (ml *MessageLogger) LogTempFail(ctx MessageContext) {
	fields := ctx.fields("tempfail", "temporary_failure", time.Now())
	if ctx.DeliveryHost != "" {
		fields = append(fields, "delivery_host", ctx.DeliveryHost)
	}
	fields = append(fields, "failure_reason", ctx.Error)
	ml.logger.Warn("message_tempfail", fields...)
}

// LogBounce logs when a message permanently fails
func (ml *MessageLogger) LogBounce(ctx MessageContext) {
	fields := ctx.fields("bounce", "bounced", time.Now())
	fields = append(fields, "bounce_reason", ctx.Error)
	ml.logger.Error("message_bounce", fields...)
}

// LogGhost logs a message reaching the terminal discard state.
func (ml *MessageLogger) LogGhost(ctx MessageContext) {
	ml.logger.Debug("message_ghost", ctx.fields("ghost", "discarded", time.Now())...)
}

// LogReroute logs a message leaving its pipeline for another state.
func (ml *MessageLogger) LogReroute(ctx MessageContext) {
	fields := ctx.fields("reroute", "rerouted", time.Now())
	fields = append(fields, "new_state", ctx.State)
	if ctx.Error != "" {
		fields = append(fields, "reason", ctx.Error)
	}
	ml.logger.Info("message_reroute", fields...)
}
