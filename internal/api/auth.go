package api

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/model"
)

// Claims are the access token claims. Subject carries the user id.
type Claims struct {
	TenantID string     `json:"tenant_id"`
	Role     model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an Authenticator from the auth config.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

// Sign issues a token for actor. Used by tooling and tests; the API itself
// never issues credentials.
func (a *Authenticator) Sign(actor model.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID: actor.TenantID,
		Role:     actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", eris.Wrap(err, "api: sign token")
	}
	return signed, nil
}

// Verify parses a token into the acting user.
func (a *Authenticator) Verify(token string) (model.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return model.Actor{}, eris.Wrap(err, "api: invalid token")
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return model.Actor{}, eris.New("api: token missing sub or tenant_id")
	}
	switch claims.Role {
	case model.RoleAdmin, model.RoleReviewer, model.RoleScheduler:
	default:
		return model.Actor{}, eris.Errorf("api: unknown role %q", claims.Role)
	}
	return model.Actor{
		Type:     model.ActorUser,
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
	}, nil
}

type actorKey struct{}

// ActorFrom returns the authenticated actor stored by RequireAuth.
func ActorFrom(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(model.Actor)
	return a, ok
}

// RequireAuth rejects requests without a valid bearer token.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		actor, err := a.Verify(token)
		if err != nil {
			zap.L().Debug("api: rejected token", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or expired token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// RequireRole allows only the listed roles through.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok || !slices.Contains(roles, actor.Role) {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "insufficient role"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
