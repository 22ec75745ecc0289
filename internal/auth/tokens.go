package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ayush/pharmabot/backend/internal/common"
	"github.com/ayush/pharmabot/backend/internal/models"
)

// refreshTokenBytes is the entropy of an opaque refresh token.
const refreshTokenBytes = 32

// RefreshStore persists opaque refresh tokens.
type RefreshStore interface {
	CreateRefreshToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error
	FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
	DeleteUserRefreshToken(ctx context.Context, userID int64, token string) error
}

// RefreshStatus is the outcome of checking a refresh token.
type RefreshStatus int

const (
	RefreshUnknown RefreshStatus = iota
	RefreshValid
	RefreshExpired
)

func (s RefreshStatus) String() string {
	switch s {
	case RefreshValid:
		return "valid"
	case RefreshExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// TokenIssuer signs access tokens and manages refresh tokens.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	refresh    RefreshStore
	users      UserStore
	now        func() time.Time
}

// Option configures a TokenIssuer.
type Option func(*TokenIssuer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *TokenIssuer) { t.now = now }
}

func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration, refresh RefreshStore, users UserStore, opts ...Option) *TokenIssuer {
	t := &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		refresh:    refresh,
		users:      users,
		now:        time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// IssueAccessToken signs an HS256 token for subject. ttl <= 0 uses the default.
func (t *TokenIssuer) IssueAccessToken(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = t.accessTTL
	}
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken returns the token subject. Malformed, expired and
// wrongly signed tokens all fail with common.ErrUnauthenticated.
func (t *TokenIssuer) ValidateAccessToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", common.ErrUnauthenticated
	}
	return claims.Subject, nil
}

// IssueRefreshToken stores and returns a new random refresh token for userID.
func (t *TokenIssuer) IssueRefreshToken(ctx context.Context, userID int64) (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	if err := t.refresh.CreateRefreshToken(ctx, userID, token, t.now().Add(t.refreshTTL)); err != nil {
		return "", err
	}
	return token, nil
}

// CheckRefreshToken classifies token. An expired token is deleted as part of
// the check, so checking it again reports RefreshUnknown. The user is set only
// for RefreshValid.
func (t *TokenIssuer) CheckRefreshToken(ctx context.Context, token string) (RefreshStatus, *models.User, error) {
	rt, err := t.refresh.FindRefreshToken(ctx, token)
	if errors.Is(err, common.ErrNotFound) {
		return RefreshUnknown, nil, nil
	}
	if err != nil {
		return RefreshUnknown, nil, err
	}

	if rt.ExpiresAt.Before(t.now()) {
		if err := t.refresh.DeleteRefreshToken(ctx, token); err != nil {
			return RefreshExpired, nil, err
		}
		return RefreshExpired, nil, nil
	}

	user, err := t.users.GetUserByID(ctx, rt.UserID)
	if errors.Is(err, common.ErrNotFound) {
		return RefreshUnknown, nil, nil
	}
	if err != nil {
		return RefreshUnknown, nil, err
	}
	return RefreshValid, user, nil
}

// RevokeRefreshToken deletes token if it belongs to userID.
func (t *TokenIssuer) RevokeRefreshToken(ctx context.Context, userID int64, token string) error {
	return t.refresh.DeleteUserRefreshToken(ctx, userID, token)
}
