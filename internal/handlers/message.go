package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vaulted/internal/models"
	"vaulted/internal/repositories"
	"vaulted/internal/telemetry"
)

const maxMessageIDLength = 128

type MessageHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	audit       *telemetry.AuditEmitter
	now         func() time.Time
}

func NewMessageHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		audit:       audit,
		now:         time.Now,
	}
}

// ListMessages returns a chat's history in chronological order.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	chatID := c.Param("chatId")
	if !requireMember(c, h.chatRepo, chatID) {
		return
	}

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// PostMessage stores a message. A client-assigned id makes retries safe:
// resubmitting the same id returns the stored message unchanged.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req struct {
		ID         string `json:"id"`
		ReceiverID string `json:"receiverId" binding:"required"`
		Ciphertext string `json:"ciphertext" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.ID) > maxMessageIDLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id too long"})
		return
	}

	userID := c.GetString("userID")
	if req.ReceiverID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot send a message to yourself"})
		return
	}

	chatID := c.Param("chatId")
	if !requireMember(c, h.chatRepo, chatID) {
		return
	}

	receiverOK, err := h.chatRepo.IsMember(c.Request.Context(), chatID, req.ReceiverID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !receiverOK {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver is not a chat member"})
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	msg, err := h.messageRepo.AppendMessage(c.Request.Context(), models.Message{
		ID:         id,
		ChatID:     chatID,
		SenderID:   userID,
		ReceiverID: req.ReceiverID,
		Ciphertext: req.Ciphertext,
		Timestamp:  h.now().UnixMilli(),
	})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "message id already used"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store message"})
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.AuditMessageStored, "INFO", "message "+msg.ID+" stored in "+chatID, requestIDFromContext(c), &userID)
	c.JSON(http.StatusOK, gin.H{"id": msg.ID})
}
