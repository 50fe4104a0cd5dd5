package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/config"
	"github.com/basket/cmdcenter/internal/policy"
)

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	Name string
	Role policy.Role
}

// authContextKey is the context key type for authenticated identities.
type authContextKey struct{}

// AuthMiddleware validates bearer tokens and attaches the caller's identity.
// With auth disabled every request runs as a local admin, matching the
// loopback-only default bind.
type AuthMiddleware struct {
	tokens  map[string]Identity
	enabled bool
	audit   *audit.Logger
	logger  *slog.Logger
}

// NewAuthMiddleware creates an auth middleware from config. Token roles are
// validated here so a config typo fails startup rather than granting nothing.
func NewAuthMiddleware(cfg config.AuthConfig, auditLog *audit.Logger, logger *slog.Logger) (*AuthMiddleware, error) {
	if logger == nil {
		logger = slog.Default()
	}
	am := &AuthMiddleware{
		tokens:  make(map[string]Identity, len(cfg.Tokens)),
		enabled: cfg.Enabled,
		audit:   auditLog,
		logger:  logger,
	}
	for _, tc := range cfg.Tokens {
		role, err := policy.ParseRole(tc.Role)
		if err != nil {
			return nil, err
		}
		name := tc.Name
		if name == "" {
			name = string(role)
		}
		am.tokens[tc.Token] = Identity{Name: name, Role: role}
	}
	return am, nil
}

// Wrap wraps an http.Handler with bearer token authentication.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if !am.enabled {
			ctx := context.WithValue(r.Context(), authContextKey{}, Identity{Name: "local", Role: policy.RoleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := ExtractToken(r)
		if token == "" {
			am.recordDenied(r, "missing token")
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		identity, ok := am.lookupToken(token)
		if !ok {
			am.recordDenied(r, "invalid token")
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractToken extracts a bearer token from request headers or query params.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header,
// api_key query param.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupToken uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupToken(candidate string) (Identity, bool) {
	for token, identity := range am.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return identity, true
		}
	}
	return Identity{}, false
}

// recordDenied writes an auth.denied audit entry. The request is already
// failing, so an append error is logged rather than escalated.
func (am *AuthMiddleware) recordDenied(r *http.Request, reason string) {
	if am.audit == nil {
		return
	}
	if _, err := am.audit.Append(r.Context(), audit.Entry{
		ActorType: audit.ActorUser,
		ActorIP:   clientIP(r),
		Action:    audit.ActionAuthDenied,
		RequestID: RequestIDFromContext(r.Context()),
		Channel:   audit.ChannelAPI,
		Status:    audit.StatusDenied,
		Error:     reason,
		Metadata:  map[string]any{"path": r.URL.Path},
	}); err != nil {
		am.logger.Error("audit auth denial", "error", err)
	}
}

// IdentityFromContext retrieves the authenticated identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(authContextKey{}).(Identity)
	return identity, ok
}

// clientIP returns the remote address without the port.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
