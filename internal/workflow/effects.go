package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/model"
)

const defaultEffectTimeout = 5 * time.Second

// Effect is a side effect produced by a transition. Effects are only
// dispatched after the transition has been committed to the store.
type Effect interface {
	effect()
}

// NotifyRole notifies every holder of Role.
type NotifyRole struct {
	Role    string
	Title   string
	Message string
	Type    string
}

// NotifyUser notifies a single user.
type NotifyUser struct {
	UserID  string
	Title   string
	Message string
	Type    string
}

// RecordAudit writes one audit record.
type RecordAudit struct {
	Record model.AuditRecord
}

func (NotifyRole) effect()  {}
func (NotifyUser) effect()  {}
func (RecordAudit) effect() {}

// Dispatcher delivers effects to the notifier and auditor. Failures are
// logged and counted, never returned.
type Dispatcher struct {
	directory model.UserDirectory
	notifier  model.Notifier
	auditor   model.Auditor
	logger    *zap.Logger
	metrics   Metrics
	timeout   time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatchMetrics sets the metrics recorder used for failure counts.
func WithDispatchMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithEffectTimeout bounds the time spent delivering one batch of effects.
func WithEffectTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates a Dispatcher. The directory resolves NotifyRole
// recipients.
func NewDispatcher(directory model.UserDirectory, notifier model.Notifier, auditor model.Auditor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		directory: directory,
		notifier:  notifier,
		auditor:   auditor,
		logger:    zap.NewNop(),
		metrics:   noopMetrics{},
		timeout:   defaultEffectTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers effects in order. The caller's cancellation is detached so
// a client disconnect after commit does not drop notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, effects []Effect) {
	if len(effects) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	for _, eff := range effects {
		switch e := eff.(type) {
		case NotifyRole:
			d.notifyRole(ctx, e)
		case NotifyUser:
			d.notify(ctx, model.Notification{UserID: e.UserID, Title: e.Title, Message: e.Message, Type: e.Type})
		case RecordAudit:
			d.audit(ctx, e.Record)
		}
	}
}

func (d *Dispatcher) notifyRole(ctx context.Context, e NotifyRole) {
	if d.directory == nil {
		return
	}
	users, err := d.directory.GetUsersByRole(ctx, e.Role)
	if err != nil {
		d.metrics.RecordSideEffectFailure("directory")
		d.logger.Warn("resolve notification recipients failed",
			zap.String("role", e.Role),
			zap.Error(err),
		)
		return
	}
	for _, u := range users {
		d.notify(ctx, model.Notification{UserID: u.ID, Title: e.Title, Message: e.Message, Type: e.Type})
	}
}

func (d *Dispatcher) notify(ctx context.Context, n model.Notification) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		d.metrics.RecordSideEffectFailure("notify")
		d.logger.Warn("notification failed",
			zap.String("user_id", n.UserID),
			zap.String("title", n.Title),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) audit(ctx context.Context, rec model.AuditRecord) {
	if d.auditor == nil {
		return
	}
	if err := d.auditor.RecordAction(ctx, rec); err != nil {
		d.metrics.RecordSideEffectFailure("audit")
		d.logger.Warn("audit record failed",
			zap.String("action", rec.Action),
			zap.String("entity_id", rec.EntityID),
			zap.Error(err),
		)
	}
}
