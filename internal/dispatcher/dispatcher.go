// Package dispatcher turns a matched row change into an alert email.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"changealerts/internal/database"
	"changealerts/internal/events"
	"changealerts/internal/metrics"
)

// ErrNoRecipients is returned when a rule has no usable email recipients.
var ErrNoRecipients = errors.New("rule has no email recipients")

// Mailer sends an email.
type Mailer interface {
	Send(ctx context.Context, subject, body, from string, recipients []string) error
}

// ProfileResolver resolves a rule's email profile to a from-address.
type ProfileResolver interface {
	EmailProfileAddress(ctx context.Context, id string) (string, error)
}

// Claimer records dispatches so redelivered events are not alerted twice.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Alert is one rule matched by one row change.
type Alert struct {
	Rule   *database.AlertRule
	Fields events.Fields
	// EventKey identifies the change for deduplication. Empty disables deduplication.
	EventKey string
}

// Dispatcher formats and sends alert emails.
type Dispatcher struct {
	mailer      Mailer
	profiles    ProfileResolver
	claims      Claimer
	metrics     metrics.Recorder
	defaultFrom string
	sendTimeout time.Duration
}

// New creates a dispatcher. profiles may be nil, in which case defaultFrom is always used.
func New(mailer Mailer, profiles ProfileResolver, defaultFrom string) *Dispatcher {
	return &Dispatcher{
		mailer:      mailer,
		profiles:    profiles,
		metrics:     metrics.NoOp{},
		defaultFrom: defaultFrom,
	}
}

// SetClaimer enables deduplication of redelivered events.
func (d *Dispatcher) SetClaimer(c Claimer) {
	d.claims = c
}

// SetSendTimeout bounds each mailer call. Zero leaves the caller's deadline in charge.
func (d *Dispatcher) SetSendTimeout(timeout time.Duration) {
	d.sendTimeout = timeout
}

// SetMetrics sets the metrics recorder.
func (d *Dispatcher) SetMetrics(m metrics.Recorder) {
	if m == nil {
		m = metrics.NoOp{}
	}
	d.metrics = m
}

// Dispatch emails the alert to the rule's recipients. A duplicate event is skipped without error.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) error {
	rule := alert.Rule
	recipients := ParseRecipients(rule.EmailRecipients)
	if len(recipients) == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNoRecipients)
	}

	claimKey := ""
	if d.claims != nil && alert.EventKey != "" {
		claimKey = rule.ID + "/" + alert.EventKey
		ok, err := d.claims.Claim(ctx, claimKey)
		if err != nil {
			// At-least-once: an unreachable store must not suppress the alert.
			slog.Warn("Dedupe claim failed, sending anyway", "rule_id", rule.ID, "event_key", alert.EventKey, "error", err)
			claimKey = ""
		} else if !ok {
			slog.Info("Skipping duplicate alert", "rule_id", rule.ID, "event_key", alert.EventKey)
			d.metrics.RecordDuplicate()
			return nil
		}
	}

	subject := Subject(rule)
	body := FormatBody(alert.Fields)
	from := d.fromAddress(ctx, rule)

	sendCtx := ctx
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}
	if err := d.mailer.Send(sendCtx, subject, body, from, recipients); err != nil {
		d.metrics.RecordError()
		if claimKey != "" {
			if rerr := d.claims.Release(context.WithoutCancel(ctx), claimKey); rerr != nil {
				slog.Warn("Failed to release dedupe claim", "rule_id", rule.ID, "error", rerr)
			}
		}
		return fmt.Errorf("failed to send alert for rule %s: %w", rule.ID, err)
	}

	d.metrics.RecordDispatched()
	slog.Info("Alert dispatched",
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"subject", subject,
		"recipient_count", len(recipients),
	)
	return nil
}

func (d *Dispatcher) fromAddress(ctx context.Context, rule *database.AlertRule) string {
	if d.profiles == nil || rule.EmailProfileID == nil || *rule.EmailProfileID == "" {
		return d.defaultFrom
	}
	addr, err := d.profiles.EmailProfileAddress(ctx, *rule.EmailProfileID)
	if err != nil || addr == "" {
		slog.Warn("Falling back to default from address",
			"rule_id", rule.ID,
			"email_profile_id", *rule.EmailProfileID,
			"error", err,
		)
		return d.defaultFrom
	}
	return addr
}

// Subject returns the rule's custom subject or a default naming the watched topic or table.
func Subject(rule *database.AlertRule) string {
	if s := strings.TrimSpace(rule.CustomSubject); s != "" {
		return s
	}
	target := rule.Table
	if rule.Source == database.SourceKafka {
		target = rule.Topic
	}
	return "Table Change Alert: " + target
}

// FormatBody renders one "Field: <name>, Value: <value>" line per field, in payload order.
func FormatBody(fields events.Fields) string {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, fmt.Sprintf("Field: %s, Value: %s", f.Name, events.FormatValue(f.Value)))
	}
	return strings.Join(lines, "\n")
}

// ParseRecipients splits a comma separated recipient list, trimming blanks and dropping empties.
func ParseRecipients(list string) []string {
	var out []string
	for _, r := range strings.Split(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
