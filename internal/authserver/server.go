// Package authserver is a small reference implementation of the
// authentication service the client logs in against.
package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"LocalChat/internal/kvstore"
	"LocalChat/internal/namespace"
)

var errInvalidToken = errors.New("invalid token")

// User is the stored account record
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Claims are carried by issued tokens
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Server handles /register and /login with users kept in a key-value store.
type Server struct {
	store    kvstore.Store
	locks    *kvstore.Locker
	logger   *slog.Logger
	secret   []byte
	tokenTTL time.Duration
	Now      func() time.Time
}

// New creates a Server. An empty secret is replaced by a random one, so
// tokens do not survive a restart.
func New(store kvstore.Store, logger *slog.Logger, secret string, tokenTTL time.Duration) *Server {
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("no JWT secret configured, using a random one")
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Server{
		store:    store,
		locks:    kvstore.NewLocker(),
		logger:   logger,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		Now:      time.Now,
	}
}

// Router wires the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Get("/me", s.handleMe)
	return r
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var payload credentials
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return payload, false
	}
	if strings.TrimSpace(payload.Email) == "" || payload.Password == "" {
		respondError(w, http.StatusBadRequest, "Email and password are required")
		return payload, false
	}
	return payload, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decode(w, r)
	if !ok {
		return
	}

	key := namespace.AuthUserKey(payload.Email)
	unlock := s.locks.Lock(key)
	defer unlock()

	if _, found, err := s.lookup(r.Context(), payload.Email); err != nil {
		s.logger.Error("failed to read user", "email", payload.Email, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	} else if found {
		respondError(w, http.StatusBadRequest, "Email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		respondError(w, http.StatusBadRequest, "Password must be at most 72 bytes")
		return
	}
	if err != nil {
		s.logger.Error("failed to hash password", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := User{
		ID:           uuid.NewString(),
		Email:        payload.Email,
		PasswordHash: string(hash),
		CreatedAt:    s.Now().UTC(),
	}
	data, err := json.Marshal(user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.Set(r.Context(), key, string(data)); err != nil {
		s.logger.Error("failed to store user", "email", payload.Email, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("user registered", "email", user.Email, "user_id", user.ID)
	respondJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decode(w, r)
	if !ok {
		return
	}

	user, found, err := s.lookup(r.Context(), payload.Email)
	if err != nil {
		s.logger.Error("failed to read user", "email", payload.Email, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "Email not found")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(payload.Password)) != nil {
		respondError(w, http.StatusBadRequest, "Incorrect password")
		return
	}

	token, expiresAt, err := s.issueToken(user)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("user logged in", "email", user.Email)
	respondJSON(w, http.StatusOK, map[string]any{
		"message":    "Login successful",
		"token":      token,
		"expires_at": expiresAt.Unix(),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := s.ValidateToken(raw)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": claims.UserID, "email": claims.Email})
}

func (s *Server) lookup(ctx context.Context, email string) (User, bool, error) {
	raw, found, err := s.store.Get(ctx, namespace.AuthUserKey(email))
	if err != nil || !found {
		return User{}, false, err
	}
	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return User{}, false, fmt.Errorf("malformed user record: %w", err)
	}
	return user, true, nil
}

func (s *Server) issueToken(user User) (string, time.Time, error) {
	now := s.Now()
	claims := &Claims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   "access",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(s.secret)
	return tokenStr, claims.ExpiresAt.Time, err
}

// ValidateToken parses and verifies a token issued by this server.
func (s *Server) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		}, jwt.WithTimeFunc(s.Now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errInvalidToken
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}
