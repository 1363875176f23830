package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ekklesia/queue-service/internal/access"
	"ekklesia/queue-service/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownRole  = errors.New("unknown role")
)

type authContextKey struct{}

// Principal is the caller resolved from a bearer token.
type Principal struct {
	UserID string
	Role   models.Role
}

func AuthMiddleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := Authenticate(secret, r)
		if isPublicEndpoint(r) && errors.Is(err, ErrMissingToken) {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate reads the bearer token from the Authorization header, or from
// the token query parameter for transports that cannot set headers.
func Authenticate(secret string, r *http.Request) (Principal, error) {
	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw == "" {
		return Principal{}, ErrMissingToken
	}
	return ParseToken(secret, raw)
}

// ParseToken validates an HS256 token and extracts the subject and role.
// The app_role claim wins over role when both are present.
func ParseToken(secret, raw string) (Principal, error) {
	if secret == "" {
		return Principal{}, ErrInvalidToken
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Principal{}, ErrInvalidToken
	}
	roleValue, _ := claims["app_role"].(string)
	if strings.TrimSpace(roleValue) == "" {
		roleValue, _ = claims["role"].(string)
	}
	role, ok := access.ParseRole(strings.TrimSpace(roleValue))
	if !ok {
		return Principal{}, ErrUnknownRole
	}
	return Principal{UserID: subject, Role: role}, nil
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

func requireCapability(w http.ResponseWriter, r *http.Request, op access.Operation) (Principal, bool) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing credentials")
		return Principal{}, false
	}
	if !access.Can(principal.Role, op) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "role may not perform this action")
		return Principal{}, false
	}
	return principal, true
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/api/tickets":
		return r.Method == http.MethodPost
	case "/api/panel":
		return r.Method == http.MethodGet
	case "/api/services":
		return r.Method == http.MethodGet
	default:
		return r.Method == http.MethodOptions
	}
}
