package database

import (
	"context"
	"sync"
)

// MemStore is an in-memory UserStore. Users are lost on restart.
type MemStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	byOrigin map[string]string // origin -> username
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:    make(map[string]*User),
		byOrigin: make(map[string]string),
	}
}

func (m *MemStore) CreateUser(ctx context.Context, user *User, uniqueOrigin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.Username]; ok {
		return ErrUsernameTaken
	}
	if uniqueOrigin {
		if _, ok := m.byOrigin[user.Origin]; ok {
			return ErrOriginTaken
		}
	}

	u := *user
	m.users[u.Username] = &u
	if _, ok := m.byOrigin[u.Origin]; !ok {
		m.byOrigin[u.Origin] = u.Username
	}
	return nil
}

func (m *MemStore) GetUser(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (m *MemStore) CountUsers(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemStore) Close() error {
	return nil
}
