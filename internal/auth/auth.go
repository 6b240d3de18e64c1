// Package auth provides single-operator cookie authentication with JWT
// session tokens and metrics.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudpic/cloudpic/internal/logging"
	"github.com/cloudpic/cloudpic/internal/metrics"
)

const (
	accessCookie  = "accessToken"
	refreshCookie = "refreshToken"

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims holds JWT token claims. There is a single operator identity, so
// the only claim beyond the registered set is the token type.
type Claims struct {
	TokenType string `json:"tokenType"`
	jwt.RegisteredClaims
}

// Config configures the operator session handler. Exactly one of
// Password and PasswordHash must be set; PasswordHash wins when both are.
type Config struct {
	JWTSecret    string
	Password     string
	PasswordHash string // bcrypt
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// Auth issues and validates operator session cookies.
type Auth struct {
	secret       []byte
	password     string
	passwordHash string
	accessTTL    time.Duration
	refreshTTL   time.Duration
}

// New creates a new Auth handler.
func New(cfg Config) *Auth {
	return &Auth{
		secret:       []byte(cfg.JWTSecret),
		password:     cfg.Password,
		passwordHash: cfg.PasswordHash,
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
	}
}

// HandleLogin handles POST /api/auth.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		metrics.RecordAuthAttempt(false)
		respond(w, http.StatusBadRequest, "response.error.invalidRequest", nil)
		return
	}

	if !a.checkPassword(req.Password) {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: invalid password", zap.String("remote", r.RemoteAddr))
		respond(w, http.StatusUnauthorized, "response.error.invalidPassword", nil)
		return
	}

	access, err := a.issueToken(tokenTypeAccess, a.accessTTL)
	if err == nil {
		var refresh string
		refresh, err = a.issueToken(tokenTypeRefresh, a.refreshTTL)
		if err == nil {
			a.setCookie(w, accessCookie, access, a.accessTTL)
			a.setCookie(w, refreshCookie, refresh, a.refreshTTL)
		}
	}
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign session token", zap.Error(err))
		respond(w, http.StatusInternalServerError, "response.error.internal", nil)
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("remote", r.RemoteAddr))
	respond(w, http.StatusOK, "response.success.login", nil)
}

// HandleVerify handles GET /api/auth/verify. An expired access token is
// silently replaced when the refresh token is still good.
func (a *Auth) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if err := a.authenticate(w, r); err != nil {
		respond(w, http.StatusUnauthorized, "response.error.unauthorized", nil)
		return
	}
	respond(w, http.StatusOK, "response.success.verified", nil)
}

// HandleLogout handles POST /api/auth/logout by expiring both cookies.
func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	a.clearCookie(w, accessCookie)
	a.clearCookie(w, refreshCookie)
	respond(w, http.StatusOK, "response.success.logout", nil)
}

// Middleware guards the protected API surface. Like HandleVerify it
// refreshes an expired access token in-flight instead of failing the
// request.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.authenticate(w, r); err != nil {
			metrics.RecordAuthAttempt(false)
			respond(w, http.StatusUnauthorized, "response.error.unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate validates the access cookie, falling back to the refresh
// cookie. A successful refresh fallback sets a new access cookie on w.
func (a *Auth) authenticate(w http.ResponseWriter, r *http.Request) error {
	if c, err := r.Cookie(accessCookie); err == nil {
		if _, err := a.validateToken(c.Value, tokenTypeAccess); err == nil {
			return nil
		} else if !errors.Is(err, jwt.ErrTokenExpired) {
			return err
		}
	}

	c, err := r.Cookie(refreshCookie)
	if err != nil {
		return fmt.Errorf("no session")
	}
	if _, err := a.validateToken(c.Value, tokenTypeRefresh); err != nil {
		return err
	}

	access, err := a.issueToken(tokenTypeAccess, a.accessTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	a.setCookie(w, accessCookie, access, a.accessTTL)
	logging.Debug("access token refreshed")
	return nil
}

func (a *Auth) checkPassword(password string) bool {
	if a.passwordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.password), []byte(password)) == 1
}

func (a *Auth) issueToken(tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "cloudpic",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) validateToken(tokenStr, wantType string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("wrong token type %q", claims.TokenType)
	}
	return claims, nil
}

func (a *Auth) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *Auth) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func respond(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":    status,
		"message": message,
		"data":    data,
	})
}
