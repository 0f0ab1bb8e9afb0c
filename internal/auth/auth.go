// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "seismo-gateway"

// ErrInvalidCredentials covers both an unknown user and a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrDisabled is returned when no JWT secret is configured.
var ErrDisabled = errors.New("operator authentication is not configured")

// Config holds authentication configuration
type Config struct {
	JWTSecret     string
	JWTExpiration int // in minutes
	APIKeys       []string
	Users         []User
}

type User struct {
	Username     string
	PasswordHash string
}

// AuthManager issues and checks operator tokens and sensor API keys.
type AuthManager struct {
	config Config
	now    func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type contextKey string

const usernameKey contextKey = "username"

func NewAuthManager(config Config) *AuthManager {
	if config.JWTExpiration <= 0 {
		config.JWTExpiration = 60
	}
	return &AuthManager{config: config, now: time.Now}
}

// Enabled reports whether operator logins can be issued.
func (am *AuthManager) Enabled() bool {
	return am.config.JWTSecret != ""
}

// GenerateJWT creates a new JWT token for a user
func (am *AuthManager) GenerateJWT(username string) (string, time.Time, error) {
	if !am.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	now := am.now()
	expires := now.Add(time.Duration(am.config.JWTExpiration) * time.Minute)

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(am.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateJWT validates the JWT token
func (am *AuthManager) ValidateJWT(tokenString string) (*Claims, error) {
	if !am.Enabled() {
		return nil, ErrDisabled
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(am.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ValidateAPIKey checks if the provided API key is valid
func (am *AuthManager) ValidateAPIKey(apiKey string) bool {
	for _, validKey := range am.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return true
		}
	}
	return false
}

// AuthenticateUser validates username and password
func (am *AuthManager) AuthenticateUser(username, password string) error {
	for _, user := range am.config.Users {
		if user.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return ErrInvalidCredentials
		}
		return nil
	}
	return ErrInvalidCredentials
}

// HashPassword creates a bcrypt hash from a password
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(b), err
}

// Username returns the operator set by JWTMiddleware.
func Username(ctx context.Context) string {
	s, _ := ctx.Value(usernameKey).(string)
	return s
}

// JWTMiddleware guards operator routes. Without a configured secret they are
// unavailable rather than open.
func (am *AuthManager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.Enabled() {
			writeError(w, http.StatusServiceUnavailable, ErrDisabled.Error())
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		claims, err := am.ValidateJWT(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), usernameKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// APIKeyMiddleware requires X-API-Key on sensor routes once any key is
// configured. With no keys the routes stay open, which is what stock firmware
// expects.
func (am *AuthManager) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(am.config.APIKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !am.ValidateAPIKey(apiKey) {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
