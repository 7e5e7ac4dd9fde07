package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	logging "github.com/ipfs/go-log/v2"

	"vaulted/internal/mailer"
	"vaulted/internal/middleware"
	"vaulted/internal/repositories"
	"vaulted/internal/telemetry"
)

var log = logging.Logger("handlers")

// SessionIssuer signs session tokens.
type SessionIssuer interface {
	Issue(userID string) (string, error)
}

// AuthHandler implements the magic-link sign in flow.
type AuthHandler struct {
	userRepo  repositories.UserRepository
	tokenRepo repositories.LoginTokenRepository
	sessions  SessionIssuer
	mailer    mailer.Mailer
	publicURL string
	audit     *telemetry.AuditEmitter
}

func NewAuthHandler(userRepo repositories.UserRepository, tokenRepo repositories.LoginTokenRepository, sessions SessionIssuer, m mailer.Mailer, publicURL string, audit *telemetry.AuditEmitter) *AuthHandler {
	return &AuthHandler{
		userRepo:  userRepo,
		tokenRepo: tokenRepo,
		sessions:  sessions,
		mailer:    m,
		publicURL: strings.TrimRight(publicURL, "/"),
		audit:     audit,
	}
}

// Magic issues a single-use login token and mails the sign-in link.
func (h *AuthHandler) Magic(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := normalizeEmail(req.Email)
	if err := binding.Validator.ValidateStruct(emailAddress{Email: email}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}

	token, err := h.tokenRepo.IssueLoginToken(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue login token"})
		return
	}

	link := h.publicURL + "/auth/complete?token=" + url.QueryEscape(token)
	if err := h.mailer.SendMagicLink(c.Request.Context(), email, link); err != nil {
		log.Warnw("magic link delivery failed", "email", email, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to send magic link"})
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.AuditLoginIssued, "INFO", "login token issued for "+email, requestIDFromContext(c), nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Complete consumes a login token, provisions the user and returns a session.
func (h *AuthHandler) Complete(c *gin.Context) {
	var req struct {
		Token     string `json:"token"`
		PublicKey string `json:"publicKey"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	token := c.Query("token")
	if token == "" {
		token = req.Token
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
		return
	}

	email, err := h.tokenRepo.ConsumeLoginToken(c.Request.Context(), token)
	if err != nil {
		h.audit.Emit(c.Request.Context(), telemetry.AuditLoginRejected, "WARN", "login token rejected: "+err.Error(), requestIDFromContext(c), nil)
		switch {
		case errors.Is(err, repositories.ErrTokenConsumed):
			c.JSON(http.StatusConflict, gin.H{"error": "token already used"})
		case errors.Is(err, repositories.ErrTokenNotFound), errors.Is(err, repositories.ErrTokenExpired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired token"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not verify token"})
		}
		return
	}

	// The email is the user identity.
	user, err := h.userRepo.CreateUser(c.Request.Context(), email, email, req.PublicKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create user"})
		return
	}

	session, err := h.sessions.Issue(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue session"})
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.AuditLoginConsumed, "INFO", "user signed in", requestIDFromContext(c), &user.ID)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, session, 0, "/", "", false, false)
	c.JSON(http.StatusOK, gin.H{"userId": user.ID, "sessionToken": session})
}

// Me returns the caller's identity.
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"userId": c.GetString("userID")})
}

type emailAddress struct {
	Email string `binding:"required,email"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
