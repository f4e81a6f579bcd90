package auth

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"gwi.com/doc-chat/internal/apperr"
	"gwi.com/doc-chat/internal/store"
)

const maxUsernameLen = 50

// UserStore is the slice of the relational store the credential service needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error)
}

// Credentials registers users and checks their passwords. Plain-text
// passwords never leave this type.
type Credentials struct {
	users UserStore
}

func NewCredentials(users UserStore) *Credentials {
	return &Credentials{users: users}
}

// Create registers username. It fails with apperr.Conflict when the name is
// taken.
func (c *Credentials) Create(ctx context.Context, username, password string) (*store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, apperr.New(apperr.Validation, "username and password are required")
	}
	if utf8.RuneCountInString(username) > maxUsernameLen {
		return nil, apperr.Newf(apperr.Validation, "username must be at most %d characters", maxUsernameLen)
	}

	existing, err := c.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.Newf(apperr.Conflict, "user %q already exists", username)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return c.users.CreateUser(ctx, username, hash)
}

// Verify returns the user when the password matches, nil otherwise. Unknown
// users and wrong passwords are indistinguishable to the caller.
func (c *Credentials) Verify(ctx context.Context, username, password string) (*store.User, error) {
	user, err := c.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	if user == nil || !CheckPasswordHash(password, user.PasswordHash) {
		return nil, nil
	}
	return user, nil
}
