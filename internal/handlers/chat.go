package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"vaulted/internal/repositories"
	"vaulted/internal/telemetry"
)

// ChatHandler manages two-party chat endpoints.
type ChatHandler struct {
	chatRepo repositories.ChatRepository
	userRepo repositories.UserRepository
	audit    *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatRepo repositories.ChatRepository, userRepo repositories.UserRepository, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		chatRepo: chatRepo,
		userRepo: userRepo,
		audit:    audit,
	}
}

// ListChats returns the caller's chats, most recently active first.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chatRepo.ListChatsForUser(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}
	c.JSON(http.StatusOK, chats)
}

// CreateChat creates or returns the chat between the caller and peerId.
func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req struct {
		PeerID string `json:"peerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("userID")
	if userID == req.PeerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}

	if _, err := h.userRepo.GetUser(c.Request.Context(), req.PeerID); err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load peer"})
		return
	}

	chat, err := h.chatRepo.CreateOrGetChat(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrInvalidMembership):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat members"})
		case errors.Is(err, repositories.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "chat membership conflict"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		}
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.AuditChatCreated, "INFO", "chat "+chat.ID+" with "+req.PeerID, requestIDFromContext(c), &userID)
	c.JSON(http.StatusOK, gin.H{"id": chat.ID})
}

// Members lists a chat's members. Only members may ask.
func (h *ChatHandler) Members(c *gin.Context) {
	chatID := c.Param("id")
	if !requireMember(c, h.chatRepo, chatID) {
		return
	}

	members, err := h.chatRepo.ListMembers(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load members"})
		return
	}

	type memberResponse struct {
		UserID string `json:"user_id"`
	}
	resp := make([]memberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, memberResponse{UserID: m.UserID})
	}
	c.JSON(http.StatusOK, resp)
}

// requireMember writes the error response and returns false unless the
// caller belongs to chatID.
func requireMember(c *gin.Context, chatRepo repositories.ChatRepository, chatID string) bool {
	member, err := chatRepo.IsMember(c.Request.Context(), chatID, c.GetString("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return false
	}
	return true
}
