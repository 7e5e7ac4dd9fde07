package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"

	"vaulted/internal/observability"
	"vaulted/internal/presence"
	"vaulted/internal/relay"
)

var log = logging.Logger("ws")

// SessionVerifier resolves a session token to a user identity.
type SessionVerifier interface {
	Verify(token string) (string, error)
}

// FrameRouter forwards a frame read from a verified sender.
type FrameRouter interface {
	Route(ctx context.Context, senderID string, raw []byte) relay.Result
}

// Handler upgrades /ws requests and runs the per-connection loops.
type Handler struct {
	registry   *presence.Registry
	router     FrameRouter
	sessions   SessionVerifier
	sendBuffer int
}

func NewHandler(registry *presence.Registry, router FrameRouter, sessions SessionVerifier, sendBuffer int) *Handler {
	return &Handler{registry: registry, router: router, sessions: sessions, sendBuffer: sendBuffer}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle verifies the session token, upgrades the connection and binds it to
// the token's identity for its whole lifetime.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("vaulted/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	userID, err := h.sessions.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "user", userID, "err", err)
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, h.sendBuffer)

	if prev := h.registry.Register(userID, client); prev != nil {
		log.Infow("connection replaced", "user", userID, "old_conn", prev.ID(), "new_conn", info.ConnID)
	}
	observability.SetPresenceOnline(h.registry.Len())
	observability.IncWSActive()
	h.publish(ctx, info, "ws_connect", "")
	log.Infow("user connected", "user", userID, "conn", info.ConnID)

	// The request context ends when this handler returns.
	loopCtx := context.WithoutCancel(ctx)
	go client.writePump()
	go h.readLoop(loopCtx, client)
}

func (h *Handler) readLoop(ctx context.Context, client *Client) {
	info := client.info
	var closeReason string
	defer func() {
		h.registry.Unregister(info.UserID, client)
		client.Close()
		observability.SetPresenceOnline(h.registry.Len())
		observability.DecWSActive()
		h.publish(ctx, info, "ws_disconnect", closeReason)
		log.Infow("user disconnected", "user", info.UserID, "conn", info.ConnID)
	}()

	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && client.Open() {
				h.publish(ctx, info, "ws_error", closeReason)
			}
			return
		}
		h.router.Route(ctx, info.UserID, data)
	}
}

func (h *Handler) publish(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(event)
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   info.eventPayload(event, reason),
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
