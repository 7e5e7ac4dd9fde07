// Package client drives a user's connection to the server: it sends through
// the local Outbox, drains the Outbox whenever a connection is established
// and mirrors incoming messages locally.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"vaulted/internal/localstore"
	"vaulted/internal/models"
	"vaulted/internal/relay"
)

var log = logging.Logger("client")

var ErrNotConnected = errors.New("not connected")

// Outbox is the durable client state the session works against.
type Outbox interface {
	Enqueue(ctx context.Context, chatID, senderID, receiverID, ciphertext string) (localstore.OutboxEntry, error)
	Pending(ctx context.Context) ([]localstore.OutboxEntry, error)
	MarkSent(ctx context.Context, id string) error
	Ack(ctx context.Context, id string) error
	Park(ctx context.Context, id string) error
	PutMirror(ctx context.Context, msg models.Message) error
}

// Persister stores a message on the server under its own id.
type Persister interface {
	PostMessage(ctx context.Context, msg models.Message) (string, error)
}

// SignalHandler receives call signaling frames.
type SignalHandler func(kind relay.Kind, payload relay.SignalPayload)

// MessageHandler receives chat messages pushed live by a peer.
type MessageHandler func(msg models.Message)

type Session struct {
	userID string
	wsURL  string
	api    Persister
	outbox Outbox
	dialer *websocket.Dialer

	drainMu sync.Mutex

	connMu sync.Mutex
	conn   *websocket.Conn

	handlerMu sync.RWMutex
	onMessage MessageHandler
	onSignal  SignalHandler
}

func NewSession(userID, wsURL string, api Persister, outbox Outbox) *Session {
	return &Session{
		userID: userID,
		wsURL:  wsURL,
		api:    api,
		outbox: outbox,
		dialer: websocket.DefaultDialer,
	}
}

func (s *Session) OnMessage(h MessageHandler) {
	s.handlerMu.Lock()
	s.onMessage = h
	s.handlerMu.Unlock()
}

func (s *Session) OnSignal(h SignalHandler) {
	s.handlerMu.Lock()
	s.onSignal = h
	s.handlerMu.Unlock()
}

// Send queues a message and, when connected, drains the Outbox so it goes out
// behind anything queued earlier. Offline, the message waits for the next
// connection.
func (s *Session) Send(ctx context.Context, chatID, receiverID, plaintext string) (localstore.OutboxEntry, error) {
	ciphertext, err := Seal(plaintext)
	if err != nil {
		return localstore.OutboxEntry{}, err
	}
	entry, err := s.outbox.Enqueue(ctx, chatID, s.userID, receiverID, ciphertext)
	if err != nil {
		return localstore.OutboxEntry{}, fmt.Errorf("enqueue: %w", err)
	}
	if s.Connected() {
		if _, err := s.Drain(ctx); err != nil {
			log.Infow("drain after send stopped", "err", err)
		}
	}
	return entry, nil
}

// Drain submits queued entries in order. Each entry is persisted first, then
// acknowledged and pushed live. An entry the server rejects for good is parked
// and the drain moves on. Any other failure stops the drain and leaves that
// entry and all later ones queued. Concurrent calls run one at a time.
func (s *Session) Drain(ctx context.Context) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	pending, err := s.outbox.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}

	acked := 0
	for _, entry := range pending {
		if err := s.outbox.MarkSent(ctx, entry.ID); err != nil {
			return acked, err
		}
		msg := entry.Message()
		if _, err := s.api.PostMessage(ctx, msg); err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.Permanent() {
				log.Warnw("message rejected, parking", "id", entry.ID, "chat", entry.ChatID, "status", statusErr.Code, "err", statusErr.Message)
				if err := s.outbox.Park(ctx, entry.ID); err != nil {
					return acked, err
				}
				continue
			}
			return acked, fmt.Errorf("persist %s: %w", entry.ID, err)
		}
		if err := s.outbox.Ack(ctx, entry.ID); err != nil {
			return acked, err
		}
		acked++

		if err := s.push(msg); err != nil {
			log.Debugw("live push skipped", "id", entry.ID, "err", err)
		}
	}
	if acked > 0 {
		log.Infow("outbox drained", "acked", acked)
	}
	return acked, nil
}

func (s *Session) push(msg models.Message) error {
	frame, err := relay.Encode(relay.KindChatMessage, relay.ChatMessagePayload{
		RecipientID: msg.ReceiverID,
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		ReceiverID:  msg.ReceiverID,
		Ciphertext:  msg.Ciphertext,
		Timestamp:   msg.Timestamp,
	})
	if err != nil {
		return err
	}
	return s.WriteFrame(frame)
}

// WriteFrame sends a raw frame over the live connection.
func (s *Session) WriteFrame(frame []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Signal sends a call signaling frame to recipientID.
func (s *Session) Signal(kind relay.Kind, payload relay.SignalPayload) error {
	frame, err := relay.Encode(kind, payload)
	if err != nil {
		return err
	}
	return s.WriteFrame(frame)
}

func (s *Session) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// Connect dials the relay and drains the Outbox. The returned channel closes
// when the connection ends.
func (s *Session) Connect(ctx context.Context) (<-chan struct{}, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	log.Infow("connected", "user", s.userID)

	done := make(chan struct{})
	go s.readLoop(ctx, conn, done)

	if _, err := s.Drain(ctx); err != nil {
		log.Infow("drain on connect stopped", "err", err)
	}
	return done, nil
}

// Close drops the live connection. Queued entries stay in the Outbox.
func (s *Session) Close() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Run keeps the session connected until ctx ends, reconnecting after
// retryDelay whenever the connection drops. Every new connection drains.
func (s *Session) Run(ctx context.Context, retryDelay time.Duration) error {
	for {
		done, err := s.Connect(ctx)
		if err != nil {
			log.Infow("connect failed", "err", err)
		} else {
			select {
			case <-done:
			case <-ctx.Done():
				_ = s.Close()
				return ctx.Err()
			}
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer func() {
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		conn.Close()
		close(done)
		log.Infow("disconnected", "user", s.userID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(ctx, data)
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	kind, err := relay.Decode(data, nil)
	if err != nil {
		log.Debugw("bad frame from relay", "err", err)
		return
	}

	s.handlerMu.RLock()
	onMessage, onSignal := s.onMessage, s.onSignal
	s.handlerMu.RUnlock()

	switch kind {
	case relay.KindChatMessage:
		var p relay.ChatMessagePayload
		if _, err := relay.Decode(data, &p); err != nil {
			return
		}
		msg := models.Message{
			ID:         p.ID,
			ChatID:     p.ChatID,
			SenderID:   p.SenderID,
			ReceiverID: p.ReceiverID,
			Ciphertext: p.Ciphertext,
			Timestamp:  p.Timestamp,
		}
		if err := s.outbox.PutMirror(ctx, msg); err != nil {
			log.Warnw("mirror write failed", "id", msg.ID, "err", err)
		}
		if onMessage != nil {
			onMessage(msg)
		}
	case relay.KindOffer, relay.KindAnswer, relay.KindICE:
		var p relay.SignalPayload
		if _, err := relay.Decode(data, &p); err != nil {
			return
		}
		if onSignal != nil {
			onSignal(kind, p)
		}
	}
}
