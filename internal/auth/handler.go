package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/ayush/pharmabot/backend/internal/common"
	"github.com/ayush/pharmabot/backend/internal/httpx"
	"github.com/ayush/pharmabot/backend/internal/logger"
	"github.com/ayush/pharmabot/backend/internal/models"
)

const (
	tokenType = "bearer"
	// maxUsernameLen matches users.username VARCHAR(50).
	maxUsernameLen = 50
)

// UserStore defines the interface for user persistence.
type UserStore interface {
	CreateUser(ctx context.Context, username, hashedPassword string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// AttemptLimiter throttles repeated failed logins.
type AttemptLimiter interface {
	Allow(ctx context.Context, username string) error
	RecordFailure(ctx context.Context, username string) error
	Reset(ctx context.Context, username string) error
}

// Handler holds auth-related HTTP handlers.
type Handler struct {
	users   UserStore
	tokens  *TokenIssuer
	limiter AttemptLimiter
}

func NewHandler(users UserStore, tokens *TokenIssuer, limiter AttemptLimiter) *Handler {
	return &Handler{users: users, tokens: tokens, limiter: limiter}
}

// Register creates a new user.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if utf8.RuneCountInString(req.Username) > maxUsernameLen {
		httpx.Error(w, http.StatusBadRequest, fmt.Sprintf("username must be at most %d characters", maxUsernameLen))
		return
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			httpx.Error(w, http.StatusBadRequest, "password must be at most 72 bytes")
			return
		}
		logger.FromContext(r.Context()).WithError(err).Error("hash password")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.Username, hashed)
	if err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			httpx.Error(w, http.StatusBadRequest, "Username already registered")
			return
		}
		logger.FromContext(r.Context()).WithError(err).Error("create user")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, user)
}

// Login verifies credentials and returns an access/refresh token pair. It
// accepts the OAuth2 password form as well as a JSON body.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, err := readCredentials(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "username and password are required")
		return
	}
	ctx := r.Context()
	log := logger.FromContext(ctx).WithField("username", req.Username)

	if err := h.limiter.Allow(ctx, req.Username); err != nil {
		if errors.Is(err, common.ErrTooManyAttempts) {
			httpx.Error(w, http.StatusTooManyRequests, "Too many failed login attempts, try again later")
			return
		}
		// fail open
		log.WithError(err).Warn("login limiter unavailable")
	}

	user, err := h.users.GetUserByUsername(ctx, req.Username)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		log.WithError(err).Error("get user")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil || !VerifyPassword(req.Password, user.HashedPassword) {
		if err := h.limiter.RecordFailure(ctx, req.Username); err != nil {
			log.WithError(err).Warn("record login failure")
		}
		httpx.Unauthorized(w, "Incorrect username or password")
		return
	}
	if err := h.limiter.Reset(ctx, req.Username); err != nil {
		log.WithError(err).Warn("reset login failures")
	}

	access, err := h.tokens.IssueAccessToken(user.Username, 0)
	if err != nil {
		log.WithError(err).Error("issue access token")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	refresh, err := h.tokens.IssueRefreshToken(ctx, user.ID)
	if err != nil {
		log.WithError(err).Error("issue refresh token")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, models.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenType,
	})
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token itself is returned unchanged.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		httpx.Error(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	status, user, err := h.tokens.CheckRefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).WithField("status", status.String()).Error("check refresh token")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if status != RefreshValid {
		logger.FromContext(r.Context()).WithField("status", status.String()).Info("refresh rejected")
		httpx.Unauthorized(w, "Invalid or expired refresh token")
		return
	}

	access, err := h.tokens.IssueAccessToken(user.Username, 0)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("issue access token")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, models.TokenResponse{
		AccessToken:  access,
		RefreshToken: req.RefreshToken,
		TokenType:    tokenType,
	})
}

// Me returns the currently authenticated user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Not authenticated")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user)
}

// Logout revokes the refresh token in the body, if it belongs to the caller.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Not authenticated")
		return
	}

	var req models.RefreshRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httpx.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.RefreshToken != "" {
		if err := h.tokens.RevokeRefreshToken(r.Context(), user.ID, req.RefreshToken); err != nil {
			logger.FromContext(r.Context()).WithError(err).Error("revoke refresh token")
			httpx.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func readCredentials(r *http.Request) (models.Credentials, error) {
	var req models.Credentials
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	}
	req.Username = strings.TrimSpace(req.Username)
	return req, nil
}
