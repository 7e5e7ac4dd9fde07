package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the closed set of frame types the relay forwards.
type Kind string

const (
	KindOffer       Kind = "signal-offer"
	KindAnswer      Kind = "signal-answer"
	KindICE         Kind = "signal-ice"
	KindChatMessage Kind = "chat-message"
	KindUnknown     Kind = ""
)

// ParseKind maps a wire type to a Kind. Unrecognised values yield KindUnknown.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindOffer, KindAnswer, KindICE, KindChatMessage:
		return k
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrMissingRecipient = errors.New("missing recipientId")
)

// Frame is the wire envelope shared by every websocket message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalPayload carries offer, answer or ICE data. Outbound frames set
// RecipientID, inbound ones carry SenderID.
type SignalPayload struct {
	RecipientID string              `json:"recipientId,omitempty"`
	SenderID    string              `json:"senderId,omitempty"`
	Offer       *SessionDescription `json:"offer,omitempty"`
	Answer      *SessionDescription `json:"answer,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

type ChatMessagePayload struct {
	RecipientID string `json:"recipientId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	ID          string `json:"id"`
	ChatID      string `json:"chatId"`
	ReceiverID  string `json:"receiverId"`
	Ciphertext  string `json:"ciphertext"`
	Timestamp   int64  `json:"timestamp"`
}

// Encode builds a wire frame of the given kind.
func Encode(kind Kind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(Frame{Type: string(kind), Payload: body})
}

// Decode parses a wire frame and its payload into out.
func Decode(raw []byte, out any) (Kind, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return KindUnknown, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	kind := ParseKind(frame.Type)
	if out != nil && len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, out); err != nil {
			return kind, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
		}
	}
	return kind, nil
}

// rewrite strips recipientId from the payload and stamps senderId. All other
// payload fields pass through untouched.
func rewrite(raw []byte, senderID string) (Kind, string, []byte, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return KindUnknown, "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kind := ParseKind(frame.Type)
	if kind == KindUnknown {
		return kind, "", nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame.Payload, &fields); err != nil || fields == nil {
		return kind, "", nil, fmt.Errorf("%w: payload is not an object", ErrMalformedFrame)
	}

	var recipientID string
	if rawRecipient, ok := fields["recipientId"]; ok {
		if err := json.Unmarshal(rawRecipient, &recipientID); err != nil {
			return kind, "", nil, fmt.Errorf("%w: recipientId is not a string", ErrMalformedFrame)
		}
	}
	if recipientID == "" {
		return kind, "", nil, ErrMissingRecipient
	}

	delete(fields, "recipientId")
	sender, err := json.Marshal(senderID)
	if err != nil {
		return kind, recipientID, nil, err
	}
	fields["senderId"] = sender

	payload, err := json.Marshal(fields)
	if err != nil {
		return kind, recipientID, nil, err
	}
	out, err := json.Marshal(Frame{Type: frame.Type, Payload: payload})
	if err != nil {
		return kind, recipientID, nil, err
	}
	return kind, recipientID, out, nil
}
