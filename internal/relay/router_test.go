package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaulted/internal/presence"
)

type recordingConn struct {
	id      string
	open    bool
	sendErr error

	mu     sync.Mutex
	frames [][]byte
}

func (c *recordingConn) ID() string { return c.id }
func (c *recordingConn) Open() bool { return c.open }

func (c *recordingConn) Send(frame []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *recordingConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func newRouter(conns map[string]*recordingConn) *Router {
	registry := presence.NewRegistry()
	for userID, conn := range conns {
		registry.Register(userID, conn)
	}
	return NewRouter(registry)
}

func decodePayload(t *testing.T, frame []byte) (string, map[string]json.RawMessage) {
	t.Helper()
	var f Frame
	require.NoError(t, json.Unmarshal(frame, &f))
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(f.Payload, &fields))
	return f.Type, fields
}

func TestRouteForwardsOfferWithSenderAndWithoutRecipient(t *testing.T) {
	bob := &recordingConn{id: "c-bob", open: true}
	router := newRouter(map[string]*recordingConn{"bob": bob})

	raw := []byte(`{"type":"signal-offer","payload":{"recipientId":"bob","offer":{"type":"offer","sdp":"v=0"}}}`)
	res := router.Route(context.Background(), "alice", raw)

	assert.Equal(t, Delivered, res.Outcome)
	assert.Equal(t, KindOffer, res.Kind)
	assert.Equal(t, "bob", res.RecipientID)

	frames := bob.received()
	require.Len(t, frames, 1)
	typ, fields := decodePayload(t, frames[0])
	assert.Equal(t, "signal-offer", typ)
	assert.NotContains(t, fields, "recipientId")
	assert.JSONEq(t, `"alice"`, string(fields["senderId"]))
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(fields["offer"]))
}

func TestRouteOverwritesSpoofedSender(t *testing.T) {
	bob := &recordingConn{id: "c-bob", open: true}
	router := newRouter(map[string]*recordingConn{"bob": bob})

	raw := []byte(`{"type":"chat-message","payload":{"recipientId":"bob","senderId":"mallory","ciphertext":"x","timestamp":5}}`)
	res := router.Route(context.Background(), "alice", raw)
	require.Equal(t, Delivered, res.Outcome)

	var payload ChatMessagePayload
	kind, err := Decode(bob.received()[0], &payload)
	require.NoError(t, err)
	assert.Equal(t, KindChatMessage, kind)
	assert.Equal(t, "alice", payload.SenderID)
	assert.Equal(t, "x", payload.Ciphertext)
	assert.Equal(t, int64(5), payload.Timestamp)
	assert.Empty(t, payload.RecipientID)
}

func TestRouteMissWhenRecipientOffline(t *testing.T) {
	alice := &recordingConn{id: "c-alice", open: true}
	router := newRouter(map[string]*recordingConn{"alice": alice})

	res := router.Route(context.Background(), "alice", []byte(`{"type":"signal-ice","payload":{"recipientId":"bob","candidate":{"candidate":"c"}}}`))
	assert.Equal(t, Missed, res.Outcome)
	assert.Equal(t, "bob", res.RecipientID)
	assert.Empty(t, alice.received())
}

func TestRouteMissWhenConnectionClosed(t *testing.T) {
	bob := &recordingConn{id: "c-bob", open: false}
	router := newRouter(map[string]*recordingConn{"bob": bob})

	res := router.Route(context.Background(), "alice", []byte(`{"type":"signal-answer","payload":{"recipientId":"bob"}}`))
	assert.Equal(t, Missed, res.Outcome)
	assert.Empty(t, bob.received())
}

func TestRouteMissWhenSendFails(t *testing.T) {
	bob := &recordingConn{id: "c-bob", open: true, sendErr: errors.New("buffer full")}
	router := newRouter(map[string]*recordingConn{"bob": bob})

	res := router.Route(context.Background(), "alice", []byte(`{"type":"signal-answer","payload":{"recipientId":"bob"}}`))
	assert.Equal(t, Missed, res.Outcome)
	assert.EqualError(t, res.Err, "buffer full")
}

func TestRouteDropsInvalidFrames(t *testing.T) {
	bob := &recordingConn{id: "c-bob", open: true}
	router := newRouter(map[string]*recordingConn{"bob": bob})

	cases := map[string]string{
		"not json":          `{"type":`,
		"missing payload":   `{"type":"signal-offer"}`,
		"payload not obj":   `{"type":"signal-offer","payload":"bob"}`,
		"missing recipient": `{"type":"signal-offer","payload":{"offer":{}}}`,
		"empty recipient":   `{"type":"signal-offer","payload":{"recipientId":""}}`,
		"numeric recipient": `{"type":"signal-offer","payload":{"recipientId":7}}`,
		"unknown type":      `{"type":"typing","payload":{"recipientId":"bob"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			res := router.Route(context.Background(), "alice", []byte(raw))
			assert.Equal(t, Dropped, res.Outcome)
		})
	}
	assert.Empty(t, bob.received())
}

func TestRouteSelfAddressedFrame(t *testing.T) {
	alice := &recordingConn{id: "c-alice", open: true}
	router := newRouter(map[string]*recordingConn{"alice": alice})

	res := router.Route(context.Background(), "alice", []byte(`{"type":"signal-ice","payload":{"recipientId":"alice"}}`))
	assert.Equal(t, Delivered, res.Outcome)
	require.Len(t, alice.received(), 1)
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindICE, ParseKind("signal-ice"))
	assert.Equal(t, KindUnknown, ParseKind("message"))
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestEncodeDecodeSignal(t *testing.T) {
	raw, err := Encode(KindOffer, SignalPayload{RecipientID: "bob", Offer: &SessionDescription{Type: "offer", SDP: "v=0"}})
	require.NoError(t, err)

	var payload SignalPayload
	kind, err := Decode(raw, &payload)
	require.NoError(t, err)
	assert.Equal(t, KindOffer, kind)
	assert.Equal(t, "bob", payload.RecipientID)
	assert.Equal(t, "v=0", payload.Offer.SDP)
	assert.Nil(t, payload.Answer)
}
