package repositories

import (
	"errors"
	"fmt"
)

// ErrConflict marks a data-layer invariant violation. Handlers translate it
// into 409.
var ErrConflict = errors.New("conflict")

var (
	ErrChatNotFound      = errors.New("chat not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrTokenNotFound     = errors.New("login token not found")
	ErrTokenExpired      = errors.New("login token expired")
	ErrTokenConsumed     = fmt.Errorf("login token already used: %w", ErrConflict)
	ErrInvalidMembership = fmt.Errorf("chat needs two distinct members: %w", ErrConflict)
)
