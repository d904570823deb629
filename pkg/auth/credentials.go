// Package auth registers and verifies users and issues session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aeolun/chatrelay/pkg/database"
	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost matches the ten salt rounds used by the web client's
// original backend.
const DefaultBcryptCost = 10

// MaxUsernameLength is the longest accepted username, in runes.
const MaxUsernameLength = 32

var (
	ErrEmptyCredentials = errors.New("username and password must not be empty")
	ErrInvalidUsername  = errors.New("invalid username")
	ErrPasswordTooLong  = errors.New("password too long")

	// ErrUnauthorized is what callers show to clients. ErrUserNotFound and
	// ErrWrongPassword both wrap it.
	ErrUnauthorized  = errors.New("invalid username or password")
	ErrUserNotFound  = fmt.Errorf("%w: no such user", ErrUnauthorized)
	ErrWrongPassword = fmt.Errorf("%w: wrong password", ErrUnauthorized)
)

// Credentials is the credential store: it hashes passwords on registration
// and checks them on login.
type Credentials struct {
	store        database.UserStore
	cost         int
	uniqueOrigin bool
	now          func() time.Time
	dummyHash    []byte
}

// NewCredentials wraps store. cost <= 0 uses DefaultBcryptCost. When
// uniqueOrigin is set, at most one account may be registered per origin.
func NewCredentials(store database.UserStore, cost int, uniqueOrigin bool) (*Credentials, error) {
	if cost <= 0 {
		cost = DefaultBcryptCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cost)
	}

	// compared against when the user does not exist, so both failure paths
	// cost one bcrypt comparison
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	return &Credentials{
		store:        store,
		cost:         cost,
		uniqueOrigin: uniqueOrigin,
		now:          time.Now,
		dummyHash:    dummy,
	}, nil
}

// Register creates a new identity. origin is the registration-origin marker,
// typically the client IP.
func (c *Credentials) Register(ctx context.Context, username, password, origin string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrEmptyCredentials
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength || strings.ContainsAny(username, "\r\n\t") {
		return ErrInvalidUsername
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		// bcrypt rejects passwords longer than 72 bytes
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return ErrPasswordTooLong
		}
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user := &database.User{
		Username:     username,
		PasswordHash: string(hash),
		Origin:       origin,
		RegisteredAt: c.now().UTC(),
	}
	return c.store.CreateUser(ctx, user, c.uniqueOrigin)
}

// Verify checks the password and returns the identity. Failures wrap
// ErrUnauthorized; errors.Is distinguishes ErrUserNotFound from
// ErrWrongPassword for logging.
func (c *Credentials) Verify(ctx context.Context, username, password string) (*database.User, error) {
	user, err := c.store.GetUser(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(c.dummyHash, []byte(password))
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrWrongPassword
	}
	return user, nil
}

// Exists reports whether username is registered.
func (c *Credentials) Exists(ctx context.Context, username string) (bool, error) {
	_, err := c.store.GetUser(ctx, username)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, database.ErrUserNotFound) {
		return false, nil
	}
	return false, err
}
