package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	key     string
	event   any
	headers map[string]string
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, event any, headers map[string]string) error {
	p.key = routingKey
	p.event = event
	p.headers = headers
	return nil
}

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	emitter := NewAuditEmitter(pub, "audit.vaulted", "vaulted", "test")
	emitter.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	userID := "u1"
	emitter.Emit(context.Background(), AuditChatCreated, "info", "chat created", "req-1", &userID)

	require.Equal(t, "audit.vaulted", pub.key)
	envelope, ok := pub.event.(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, AuditChatCreated, envelope.EventType)
	assert.Equal(t, "2026-01-02T03:04:05Z", envelope.OccurredAt)
	assert.Equal(t, "req-1", envelope.RequestID)
	assert.Equal(t, &userID, envelope.UserID)
	assert.Equal(t, "req-1", pub.headers["x-request-id"])
}

func TestNilAuditEmitter(t *testing.T) {
	var emitter *AuditEmitter
	emitter.Emit(context.Background(), AuditChatCreated, "info", "x", "", nil)
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
