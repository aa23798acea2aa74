// Package pglistener implements the Postgres change listener: a single connection that LISTENs on
// the channels of the active Postgres rules and on the rule table's control channel.
package pglistener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"changealerts/internal/conditional"
	"changealerts/internal/database"
	"changealerts/internal/dispatcher"
	"changealerts/internal/events"
	"changealerts/internal/metrics"
)

// ErrConnectionLost is returned by Run when the listening connection fails. LISTEN state is
// scoped to the connection, so the process is expected to exit and be restarted.
var ErrConnectionLost = errors.New("postgres listener connection lost")

// Conn is the subset of *pgx.Conn the listener uses.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// RuleStore loads the active rules.
type RuleStore interface {
	ActiveRules(ctx context.Context, source database.Source) ([]*database.AlertRule, error)
}

// ControlInstaller installs the trigger that announces rule table changes.
type ControlInstaller interface {
	EnsureControlTrigger(ctx context.Context, table, channel string) error
}

// Dispatcher sends an alert for a matched rule.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert dispatcher.Alert) error
}

// Options configures a Listener.
type Options struct {
	RuleTable         string
	ControlChannel    string
	HeartbeatInterval time.Duration
}

// Listener is the Postgres change listener. It owns its connection and is driven by Run from a
// single goroutine.
type Listener struct {
	conn       Conn
	store      RuleStore
	installer  ControlInstaller
	dispatcher Dispatcher
	metrics    metrics.Recorder
	opts       Options

	channels map[string][]*database.AlertRule
}

// Connect opens the dedicated listening connection.
func Connect(ctx context.Context, dsn string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open listener connection: %w", err)
	}
	return conn, nil
}

// New creates a listener. installer may be nil when the control trigger is managed elsewhere.
func New(conn Conn, store RuleStore, installer ControlInstaller, d Dispatcher, opts Options) *Listener {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Listener{
		conn:       conn,
		store:      store,
		installer:  installer,
		dispatcher: d,
		metrics:    metrics.NoOp{},
		opts:       opts,
		channels:   make(map[string][]*database.AlertRule),
	}
}

// SetMetrics sets the metrics recorder.
func (l *Listener) SetMetrics(m metrics.Recorder) {
	if m == nil {
		m = metrics.NoOp{}
	}
	l.metrics = m
}

// Channels returns the data channels currently listened on, sorted.
func (l *Listener) Channels() []string {
	out := make([]string, 0, len(l.channels))
	for ch := range l.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Run listens until ctx is cancelled, returning nil, or until the connection fails, returning an
// error wrapping ErrConnectionLost.
func (l *Listener) Run(ctx context.Context) error {
	if l.installer != nil {
		if err := l.installer.EnsureControlTrigger(ctx, l.opts.RuleTable, l.opts.ControlChannel); err != nil {
			return fmt.Errorf("failed to install control trigger: %w", err)
		}
	}

	rules, err := l.store.ActiveRules(ctx, database.SourcePostgres)
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}
	if err := l.listen(ctx, rules); err != nil {
		return err
	}

	slog.Info("Postgres listener started",
		"control_channel", l.opts.ControlChannel,
		"channels", l.Channels(),
		"heartbeat_interval", l.opts.HeartbeatInterval,
	)

	for {
		n, err := l.wait(ctx)
		if ctx.Err() != nil {
			slog.Info("Postgres listener stopped")
			return nil
		}
		if err != nil {
			return err
		}
		if n == nil {
			continue
		}
		if err := l.ping(ctx); err != nil {
			return err
		}
		if err := l.handle(ctx, n); err != nil {
			return err
		}
	}
}

// wait blocks for the next notification. When the heartbeat interval passes without one it
// checks the connection and returns a nil notification.
func (l *Listener) wait(ctx context.Context) (*pgconn.Notification, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.opts.HeartbeatInterval)
	defer cancel()

	n, err := l.conn.WaitForNotification(waitCtx)
	if err == nil {
		return n, nil
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		slog.Debug("Listener heartbeat")
		return nil, l.ping(ctx)
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func (l *Listener) ping(ctx context.Context) error {
	if _, err := l.conn.Exec(ctx, "SELECT 1"); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (l *Listener) handle(ctx context.Context, n *pgconn.Notification) error {
	if n.Channel == l.opts.ControlChannel {
		return l.reload(ctx, n.Payload)
	}

	start := time.Now()
	l.metrics.RecordReceived()
	defer func() { l.metrics.RecordProcessed(time.Since(start)) }()

	rules := l.channels[n.Channel]
	if len(rules) == 0 {
		slog.Debug("Notification on channel without rules", "channel", n.Channel)
		l.metrics.RecordDiscarded()
		return nil
	}

	fields, err := events.DecodeNotification(n.Payload)
	if err != nil {
		slog.Warn("Discarding malformed notification", "channel", n.Channel, "error", err)
		l.metrics.RecordDiscarded()
		return nil
	}

	// The channel's trigger fires when any of its rules matches; each rule's organization and
	// logic are re-applied to the payload. The organization column is not row data.
	row := fields.Without(events.OrganizationColumn)
	for _, rule := range rules {
		if !events.OrganizationMatches(rule.OrganizationID, fields) {
			continue
		}
		matched, err := conditional.Evaluate(rule.ConditionalLogic, row.Lookup)
		if err != nil {
			slog.Error("Invalid conditional logic on rule", "rule_id", rule.ID, "error", err)
			l.metrics.RecordError()
			continue
		}
		if !matched {
			continue
		}
		if err := l.dispatcher.Dispatch(ctx, dispatcher.Alert{Rule: rule, Fields: row}); err != nil {
			slog.Error("Failed to dispatch alert", "rule_id", rule.ID, "channel", n.Channel, "error", err)
		}
	}
	return nil
}

// reload re-reads the active rules and replaces every subscription. A failed rule query keeps
// the current subscriptions.
func (l *Listener) reload(ctx context.Context, op string) error {
	slog.Info("Rule table changed, reloading subscriptions", "operation", op)
	rules, err := l.store.ActiveRules(ctx, database.SourcePostgres)
	if err != nil {
		slog.Error("Failed to reload rules, keeping current subscriptions", "error", err)
		l.metrics.RecordError()
		return nil
	}
	if _, err := l.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	l.metrics.RecordReload()
	return l.listen(ctx, rules)
}

// listen subscribes to the control channel and the channel of every rule.
func (l *Listener) listen(ctx context.Context, rules []*database.AlertRule) error {
	channels := make(map[string][]*database.AlertRule)
	for _, r := range rules {
		if r.ListenerName == "" {
			continue
		}
		channels[r.ListenerName] = append(channels[r.ListenerName], r)
	}

	names := append([]string{l.opts.ControlChannel}, sortedKeys(channels)...)
	for _, ch := range names {
		if _, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("%w: listen %s: %v", ErrConnectionLost, ch, err)
		}
	}
	l.channels = channels
	slog.Info("Listening for changes", "channels", names[1:], "rule_count", len(rules))
	return nil
}

func sortedKeys(m map[string][]*database.AlertRule) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
