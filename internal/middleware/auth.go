package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ayush/pharmabot/backend/internal/auth"
	"github.com/ayush/pharmabot/backend/internal/common"
	"github.com/ayush/pharmabot/backend/internal/httpx"
	"github.com/ayush/pharmabot/backend/internal/logger"
	"github.com/ayush/pharmabot/backend/internal/models"
)

// AccessValidator resolves a bearer token to its subject.
type AccessValidator interface {
	ValidateAccessToken(token string) (string, error)
}

// UserLookup loads the user a token subject names.
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// RequireAuth is middleware that validates the bearer access token and
// injects the user into the request context.
func RequireAuth(tokens AccessValidator, users UserLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				httpx.Unauthorized(w, "Not authenticated")
				return
			}

			username, err := tokens.ValidateAccessToken(token)
			if err != nil {
				httpx.Unauthorized(w, "Could not validate credentials")
				return
			}

			user, err := users.GetUserByUsername(r.Context(), username)
			if errors.Is(err, common.ErrNotFound) {
				httpx.Unauthorized(w, "Could not validate credentials")
				return
			}
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Error("load token user")
				httpx.Error(w, http.StatusInternalServerError, "internal error")
				return
			}

			ctx := auth.WithUser(r.Context(), user)
			ctx, _ = logger.ContextWithIdentity(ctx, user.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
