package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"vaulted/internal/repositories"
)

type UserHandler struct {
	userRepo repositories.UserRepository
}

func NewUserHandler(userRepo repositories.UserRepository) *UserHandler {
	return &UserHandler{userRepo: userRepo}
}

// GetUser returns a user's public profile, including the public key peers
// encrypt to.
func (h *UserHandler) GetUser(c *gin.Context) {
	user, err := h.userRepo.GetUser(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repositories.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, user)
}
