package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/signoff/model"
)

var _ Publisher = (*nats.Conn)(nil)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	err := n.Notify(context.Background(), model.Notification{
		UserID: "pm-1", Title: "Approval Required", Message: "Property p-1 needs your approval", Type: model.NotificationApproval,
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pm-1", fields["user_id"])
	assert.Equal(t, "approval", fields["type"])
}

func TestNATSNotifier_publishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "signoff.notifications")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	err := n.Notify(context.Background(), model.Notification{
		UserID: "eo-1", Title: "Workflow Approved", Message: "done", Type: model.NotificationWorkflow,
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "signoff.notifications.workflow", pub.msgs[0].subject)

	var got Message
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, Message{UserID: "eo-1", Title: "Workflow Approved", Message: "done", Type: "workflow", SentAt: fixed}, got)
}

func TestNATSNotifier_defaultType(t *testing.T) {
	n := NewNATSNotifier(&fakePublisher{}, "approvals")
	assert.Equal(t, "approvals.workflow", n.Subject(""))
	assert.Equal(t, "approvals.approval", n.Subject(model.NotificationApproval))
}

func TestNATSNotifier_publishError(t *testing.T) {
	n := NewNATSNotifier(&fakePublisher{err: nats.ErrConnectionClosed}, "approvals")

	err := n.Notify(context.Background(), model.Notification{UserID: "pm-1", Type: model.NotificationApproval})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
}

func TestNATSNotifier_cancelledContext(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "approvals")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.Notify(ctx, model.Notification{UserID: "pm-1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.msgs)
}
