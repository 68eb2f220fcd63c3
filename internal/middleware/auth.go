package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"parklic/internal/infrastructure"
)

// OperatorKey is the context key carrying the authenticated operator name.
const OperatorKey contextKey = "operator"

const tokenIssuer = "parklic-authority"

// SessionManager issues and verifies short-lived operator session tokens for
// the admin surface.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewSessionManager creates a session manager. ttl of 0 defaults to 12 hours.
func NewSessionManager(secret string, ttl time.Duration, logger *slog.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionManager{
		secret: []byte(secret),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// IssueToken creates a signed session token for the operator.
func (sm *SessionManager) IssueToken(operator string) (string, error) {
	now := sm.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   operator,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sm.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(sm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks a session token and returns the operator name.
func (sm *SessionManager) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return sm.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(sm.now))
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("invalid session claims")
	}
	return claims.Subject, nil
}

// RequireOperator guards admin routes: a valid Bearer session token is
// required, and the operator name is stored in the request context.
func (sm *SessionManager) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			sm.deny(w, r, "missing bearer token")
			return
		}

		operator, err := sm.VerifyToken(tokenString)
		if err != nil {
			sm.deny(w, r, err.Error())
			return
		}

		ctx = context.WithValue(ctx, OperatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOperator returns the authenticated operator name, if any.
func GetOperator(ctx context.Context) string {
	if op, ok := ctx.Value(OperatorKey).(string); ok {
		return op
	}
	return ""
}

func (sm *SessionManager) deny(w http.ResponseWriter, r *http.Request, reason string) {
	ctx := r.Context()
	sm.logger.WarnContext(ctx, "admin request rejected",
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
		"reason", reason,
	)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)

	traceID := infrastructure.GetTraceID(ctx)
	response := `{"type":"/errors/unauthorized","title":"Unauthorized","status":401,"detail":"A valid operator session is required for this endpoint","trace_id":"` + traceID + `"}`
	w.Write([]byte(response))
}
