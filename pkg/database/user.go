package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already registered")
	// ErrOriginTaken indicates an account was already registered from this origin.
	ErrOriginTaken = errors.New("origin already registered an account")
	// ErrUserNotFound indicates no user with that username exists.
	ErrUserNotFound = errors.New("user not found")
)

// User is an identity record. It is never mutated or deleted after creation.
type User struct {
	Username     string
	PasswordHash string
	Origin       string
	RegisteredAt time.Time
}

// UserStore persists identity records.
//
// CreateUser must check username uniqueness and, when uniqueOrigin is set,
// origin uniqueness atomically with the insert.
type UserStore interface {
	CreateUser(ctx context.Context, user *User, uniqueOrigin bool) error
	GetUser(ctx context.Context, username string) (*User, error)
	CountUsers(ctx context.Context) (int, error)
	Close() error
}
