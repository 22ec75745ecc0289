package auth

import (
	"context"
	"sync"
	"time"

	"github.com/ayush/pharmabot/backend/internal/common"
	"github.com/ayush/pharmabot/backend/internal/models"
)

// memStore is an in-memory UserStore and RefreshStore.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]*models.User
	tokens  map[string]models.RefreshToken
	findErr error
	userErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:  map[int64]*models.User{},
		tokens: map[string]models.RefreshToken{},
	}
}

func (m *memStore) CreateUser(_ context.Context, username, hashed string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return nil, common.ErrAlreadyExists
		}
	}
	m.nextID++
	u := &models.User{ID: m.nextID, Username: username, HashedPassword: hashed, CreatedAt: time.Now()}
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userErr != nil {
		return nil, m.userErr
	}
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, common.ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userErr != nil {
		return nil, m.userErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return u, nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, userID int64, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = models.RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt}
	return nil
}

func (m *memStore) FindRefreshToken(_ context.Context, token string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	rt, ok := m.tokens[token]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &rt, nil
}

func (m *memStore) DeleteRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
	return nil
}

func (m *memStore) DeleteUserRefreshToken(_ context.Context, userID int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.tokens[token]; ok && rt.UserID == userID {
		delete(m.tokens, token)
	}
	return nil
}

func (m *memStore) hasToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[token]
	return ok
}

type fakeLimiter struct {
	blocked  bool
	allowErr error
	failures map[string]int
	resets   int
}

func (f *fakeLimiter) Allow(context.Context, string) error {
	if f.allowErr != nil {
		return f.allowErr
	}
	if f.blocked {
		return common.ErrTooManyAttempts
	}
	return nil
}

func (f *fakeLimiter) RecordFailure(_ context.Context, username string) error {
	if f.failures == nil {
		f.failures = map[string]int{}
	}
	f.failures[username]++
	return nil
}

func (f *fakeLimiter) Reset(context.Context, string) error {
	f.resets++
	return nil
}

// testClock is a settable clock for TokenIssuer.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
