package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vaulted/internal/models"
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Permanent reports whether resubmitting the same request cannot succeed.
// Auth failures, timeouts and throttling are worth retrying.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// API is the HTTP side of the server protocol.
type API struct {
	base  string
	token string
	http  *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// PostMessage persists a message under its client-assigned id.
func (a *API) PostMessage(ctx context.Context, msg models.Message) (string, error) {
	body := map[string]string{
		"id":         msg.ID,
		"receiverId": msg.ReceiverID,
		"ciphertext": msg.Ciphertext,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(msg.ChatID), body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *API) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	var msgs []models.Message
	err := a.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(chatID), nil, &msgs)
	return msgs, err
}

func (a *API) ListChats(ctx context.Context) ([]models.ChatSummary, error) {
	var chats []models.ChatSummary
	err := a.do(ctx, http.MethodGet, "/chats", nil, &chats)
	return chats, err
}

func (a *API) CreateChat(ctx context.Context, peerID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := a.do(ctx, http.MethodPost, "/chats/create", map[string]string{"peerId": peerID}, &resp)
	return resp.ID, err
}

func (a *API) Members(ctx context.Context, chatID string) ([]string, error) {
	var members []models.Membership
	if err := a.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/members", nil, &members); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

func (a *API) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := a.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &user)
	return user, err
}

// Me returns the user id the session token belongs to.
func (a *API) Me(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"userId"`
	}
	err := a.do(ctx, http.MethodGet, "/me", nil, &resp)
	return resp.UserID, err
}

// WebSocketURL returns the relay endpoint for this session.
func (a *API) WebSocketURL() string {
	base := a.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?token=" + url.QueryEscape(a.token)
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
