// Package notify delivers approval notifications to a log or a NATS subject.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/model"
)

// LogNotifier writes each notification to a zap logger. It never fails.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements model.Notifier.
func (n *LogNotifier) Notify(_ context.Context, msg model.Notification) error {
	n.logger.Info("notification",
		zap.String("user_id", msg.UserID),
		zap.String("type", msg.Type),
		zap.String("title", msg.Title),
		zap.String("message", msg.Message),
	)
	return nil
}

// Publisher is the subset of *nats.Conn used for delivery.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published for each notification.
type Message struct {
	UserID  string    `json:"user_id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Type    string    `json:"type"`
	SentAt  time.Time `json:"sent_at"`
}

// NATSNotifier publishes notifications to "<prefix>.<type>".
type NATSNotifier struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

// NewNATSNotifier creates a NATSNotifier publishing under prefix.
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	return &NATSNotifier{pub: pub, prefix: prefix, now: time.Now}
}

// Subject returns the subject a notification of the given type is sent on.
func (n *NATSNotifier) Subject(notificationType string) string {
	if notificationType == "" {
		notificationType = model.NotificationWorkflow
	}
	return n.prefix + "." + notificationType
}

// Notify implements model.Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, msg model.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Message{
		UserID:  msg.UserID,
		Title:   msg.Title,
		Message: msg.Message,
		Type:    msg.Type,
		SentAt:  n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	subject := n.Subject(msg.Type)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %q: %w", subject, err)
	}
	return nil
}

// Connect opens a NATS connection that reconnects indefinitely and reports
// connection state changes to logger.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("signoff"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return conn, nil
}
