package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vaulted/internal/auth"
	"vaulted/internal/mocks"
	"vaulted/internal/models"
	"vaulted/internal/repositories"
	"vaulted/internal/telemetry"
)

func withUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	}
}

func doJSON(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func setupChatRouter(handler *ChatHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withUser("alice"))
	r.GET("/chats", handler.ListChats)
	r.POST("/chats/create", handler.CreateChat)
	r.GET("/chats/:id/members", handler.Members)
	return r
}

func TestListChatsSuccess(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	router := setupChatRouter(NewChatHandler(chatRepo, nil, nil))

	ts := int64(42)
	chatRepo.On("ListChatsForUser", mock.Anything, "alice").
		Return([]models.ChatSummary{{ChatID: "c1", LastMessage: "x", LastMessageTimestamp: &ts}, {ChatID: "c2"}}, nil).Once()

	rec := doJSON(router, http.MethodGet, "/chats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"c1","lastMessage":"x","lastMessageTimestamp":42},{"id":"c2","lastMessage":"","lastMessageTimestamp":null}]`, rec.Body.String())
	chatRepo.AssertExpectations(t)
}

func TestListChatsRepoError(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	router := setupChatRouter(NewChatHandler(chatRepo, nil, nil))

	chatRepo.On("ListChatsForUser", mock.Anything, "alice").Return(nil, assert.AnError).Once()

	rec := doJSON(router, http.MethodGet, "/chats", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	chatRepo.AssertExpectations(t)
}

func TestCreateChatSuccess(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	router := setupChatRouter(NewChatHandler(chatRepo, userRepo, nil))

	userRepo.On("GetUser", mock.Anything, "bob").Return(models.User{ID: "bob"}, nil).Once()
	chatRepo.On("CreateOrGetChat", mock.Anything, "alice", "bob").Return(models.Chat{ID: "c1"}, nil).Once()

	rec := doJSON(router, http.MethodPost, "/chats/create", `{"peerId":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"c1"}`, rec.Body.String())
	chatRepo.AssertExpectations(t)
	userRepo.AssertExpectations(t)
}

func TestCreateChatEmitsAudit(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	pub := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(pub, "audit.vaulted", "vaulted", "test")
	router := setupChatRouter(NewChatHandler(chatRepo, userRepo, audit))

	userRepo.On("GetUser", mock.Anything, "bob").Return(models.User{ID: "bob"}, nil).Once()
	chatRepo.On("CreateOrGetChat", mock.Anything, "alice", "bob").Return(models.Chat{ID: "c1"}, nil).Once()
	pub.On("Publish", mock.Anything, "audit.vaulted", mock.MatchedBy(func(event any) bool {
		envelope, ok := event.(telemetry.AuditEnvelope)
		return ok && envelope.EventType == telemetry.AuditChatCreated && *envelope.UserID == "alice"
	}), mock.Anything).Return(nil).Once()

	rec := doJSON(router, http.MethodPost, "/chats/create", `{"peerId":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)
}

func TestCreateChatRejections(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	router := setupChatRouter(NewChatHandler(chatRepo, userRepo, nil))

	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/chats/create", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/chats/create", `{"peerId":"alice"}`).Code)

	userRepo.On("GetUser", mock.Anything, "ghost").Return(nil, repositories.ErrUserNotFound).Once()
	assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodPost, "/chats/create", `{"peerId":"ghost"}`).Code)

	userRepo.On("GetUser", mock.Anything, "bob").Return(models.User{ID: "bob"}, nil).Once()
	chatRepo.On("CreateOrGetChat", mock.Anything, "alice", "bob").Return(nil, repositories.ErrConflict).Once()
	assert.Equal(t, http.StatusConflict, doJSON(router, http.MethodPost, "/chats/create", `{"peerId":"bob"}`).Code)

	chatRepo.AssertExpectations(t)
	userRepo.AssertExpectations(t)
}

func TestMembersRequiresMembership(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	router := setupChatRouter(NewChatHandler(chatRepo, nil, nil))

	chatRepo.On("IsMember", mock.Anything, "c9", "alice").Return(false, nil).Once()
	assert.Equal(t, http.StatusForbidden, doJSON(router, http.MethodGet, "/chats/c9/members", "").Code)

	chatRepo.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil).Once()
	chatRepo.On("ListMembers", mock.Anything, "c1").
		Return([]models.Membership{{ChatID: "c1", UserID: "alice"}, {ChatID: "c1", UserID: "bob"}}, nil).Once()
	rec := doJSON(router, http.MethodGet, "/chats/c1/members", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"user_id":"alice"},{"user_id":"bob"}]`, rec.Body.String())

	chatRepo.AssertExpectations(t)
}

func setupMessageRouter(handler *MessageHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withUser("alice"))
	r.GET("/messages/:chatId", handler.ListMessages)
	r.POST("/messages/:chatId", handler.PostMessage)
	return r
}

func TestPostMessageUsesClientID(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	handler := NewMessageHandler(chatRepo, messageRepo, nil)
	handler.now = func() time.Time { return time.UnixMilli(1000) }
	router := setupMessageRouter(handler)

	chatRepo.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil).Once()
	chatRepo.On("IsMember", mock.Anything, "c1", "bob").Return(true, nil).Once()
	expected := models.Message{ID: "m1", ChatID: "c1", SenderID: "alice", ReceiverID: "bob", Ciphertext: "ct", Timestamp: 1000}
	messageRepo.On("AppendMessage", mock.Anything, expected).Return(expected, nil).Once()

	rec := doJSON(router, http.MethodPost, "/messages/c1", `{"id":"m1","receiverId":"bob","ciphertext":"ct"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"m1"}`, rec.Body.String())
	chatRepo.AssertExpectations(t)
	messageRepo.AssertExpectations(t)
}

func TestPostMessageAssignsIDWhenMissing(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupMessageRouter(NewMessageHandler(chatRepo, messageRepo, nil))

	chatRepo.On("IsMember", mock.Anything, "c1", mock.Anything).Return(true, nil).Twice()
	var captured models.Message
	messageRepo.On("AppendMessage", mock.Anything, mock.AnythingOfType("models.Message")).
		Run(func(args mock.Arguments) { captured = args.Get(1).(models.Message) }).
		Return(models.Message{ID: "generated"}, nil).Once()

	rec := doJSON(router, http.MethodPost, "/messages/c1", `{"receiverId":"bob","ciphertext":"ct"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, captured.ID)
	assert.Equal(t, "alice", captured.SenderID)
}

func TestPostMessageRejections(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupMessageRouter(NewMessageHandler(chatRepo, messageRepo, nil))

	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/messages/c1", `{"receiverId":"bob"}`).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/messages/c1", `{"receiverId":"alice","ciphertext":"ct"}`).Code)
	chatRepo.AssertNotCalled(t, "IsMember", mock.Anything, "c1", "alice")

	chatRepo.On("IsMember", mock.Anything, "c2", "alice").Return(false, nil).Once()
	assert.Equal(t, http.StatusForbidden, doJSON(router, http.MethodPost, "/messages/c2", `{"receiverId":"bob","ciphertext":"ct"}`).Code)

	chatRepo.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil)
	chatRepo.On("IsMember", mock.Anything, "c1", "carol").Return(false, nil).Once()
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/messages/c1", `{"receiverId":"carol","ciphertext":"ct"}`).Code)

	chatRepo.On("IsMember", mock.Anything, "c1", "bob").Return(true, nil).Once()
	messageRepo.On("AppendMessage", mock.Anything, mock.Anything).Return(nil, repositories.ErrConflict).Once()
	assert.Equal(t, http.StatusConflict, doJSON(router, http.MethodPost, "/messages/c1", `{"id":"m1","receiverId":"bob","ciphertext":"ct"}`).Code)

	messageRepo.AssertExpectations(t)
}

func TestListMessages(t *testing.T) {
	chatRepo := new(mocks.ChatRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	router := setupMessageRouter(NewMessageHandler(chatRepo, messageRepo, nil))

	chatRepo.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil).Once()
	messageRepo.On("ListMessages", mock.Anything, "c1").
		Return([]models.Message{{ID: "m1", ChatID: "c1", SenderID: "bob", ReceiverID: "alice", Ciphertext: "ct", Timestamp: 5}}, nil).Once()

	rec := doJSON(router, http.MethodGet, "/messages/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"m1","chat_id":"c1","senderId":"bob","receiverId":"alice","ciphertext":"ct","timestamp":5}]`, rec.Body.String())
}

func setupAuthRouter(handler *AuthHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/auth/magic", handler.Magic)
	r.GET("/auth/complete", handler.Complete)
	r.POST("/auth/complete", handler.Complete)
	r.GET("/me", withUser("alice@example.com"), handler.Me)
	return r
}

func TestMagicSendsLink(t *testing.T) {
	tokenRepo := new(mocks.LoginTokenRepositoryMock)
	mailer := new(mocks.MailerMock)
	router := setupAuthRouter(NewAuthHandler(nil, tokenRepo, nil, mailer, "http://localhost:8787/", nil))

	tokenRepo.On("IssueLoginToken", mock.Anything, "alice@example.com").Return("tok123", nil).Once()
	mailer.On("SendMagicLink", mock.Anything, "alice@example.com", "http://localhost:8787/auth/complete?token=tok123").Return(nil).Once()

	rec := doJSON(router, http.MethodPost, "/auth/magic", `{"email":" Alice@Example.com "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	tokenRepo.AssertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestMagicRejectsBadEmail(t *testing.T) {
	router := setupAuthRouter(NewAuthHandler(nil, nil, nil, nil, "", nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/auth/magic", `{"email":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/auth/magic", `{"email":"   "}`).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodPost, "/auth/magic", `{"email":" alice @example.com"}`).Code)
}

func TestCompleteIssuesSession(t *testing.T) {
	tokenRepo := new(mocks.LoginTokenRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	sessions := auth.NewSessions("secret", time.Hour)
	router := setupAuthRouter(NewAuthHandler(userRepo, tokenRepo, sessions, nil, "", nil))

	tokenRepo.On("ConsumeLoginToken", mock.Anything, "tok").Return("alice@example.com", nil).Once()
	userRepo.On("CreateUser", mock.Anything, "alice@example.com", "alice@example.com", "pk").
		Return(models.User{ID: "alice@example.com", PublicKey: "pk"}, nil).Once()

	rec := doJSON(router, http.MethodPost, "/auth/complete?token=tok", `{"publicKey":"pk"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UserID       string `json:"userId"`
		SessionToken string `json:"sessionToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice@example.com", resp.UserID)

	userID, err := sessions.Verify(resp.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", userID)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "token=")
}

func TestCompleteTokenErrors(t *testing.T) {
	tokenRepo := new(mocks.LoginTokenRepositoryMock)
	router := setupAuthRouter(NewAuthHandler(nil, tokenRepo, nil, nil, "", nil))

	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodGet, "/auth/complete", "").Code)

	tokenRepo.On("ConsumeLoginToken", mock.Anything, "unknown").Return("", repositories.ErrTokenNotFound).Once()
	assert.Equal(t, http.StatusBadRequest, doJSON(router, http.MethodGet, "/auth/complete?token=unknown", "").Code)

	tokenRepo.On("ConsumeLoginToken", mock.Anything, "used").Return("", repositories.ErrTokenConsumed).Once()
	assert.Equal(t, http.StatusConflict, doJSON(router, http.MethodGet, "/auth/complete?token=used", "").Code)
}

func TestMe(t *testing.T) {
	router := setupAuthRouter(NewAuthHandler(nil, nil, nil, nil, "", nil))
	rec := doJSON(router, http.MethodGet, "/me", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"alice@example.com"}`, rec.Body.String())
}

func TestGetUser(t *testing.T) {
	userRepo := new(mocks.UserRepositoryMock)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:id", NewUserHandler(userRepo).GetUser)

	userRepo.On("GetUser", mock.Anything, "bob").Return(models.User{ID: "bob", Name: "bob", Email: "bob@x", PublicKey: "pk"}, nil).Once()
	userRepo.On("GetUser", mock.Anything, "ghost").Return(nil, repositories.ErrUserNotFound).Once()

	rec := doJSON(r, http.MethodGet, "/users/bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"bob","name":"bob","publicKey":"pk"}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/users/ghost", "").Code)
}
