package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"qmsline/internal/repo"
)

// AuthConfig controls request authentication for the API.
type AuthConfig struct {
	// JWTSecret enables bearer-token authentication when non-empty.
	JWTSecret string
	// AllowLegacyActorHeader accepts a bare X-Actor-Id header. Meant for
	// local development only.
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	ActorID string
	Source  string // "jwt", "api_key" or "header"
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actorIDFromContext resolves the acting identity or returns a 401.
func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p.ActorID, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(secret, token string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	claims := &jwtClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, raw string) (Principal, error) {
	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: key.ActorID, Source: "api_key"}, nil
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):]), true
	}
	return "", false
}

// newAuthMiddleware authenticates every request under basePath. It tries
// a bearer JWT first, then an X-Api-Key, then the legacy X-Actor-Id
// header when enabled.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	healthPath := strings.TrimSuffix(basePath, "/") + "/health"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			if token, ok := bearerToken(req.Header.Get("Authorization")); ok {
				if cfg.JWTSecret == "" {
					respondStatusError(w, http.StatusUnauthorized, "unauthorized", "bearer tokens are not enabled")
					return
				}
				p, err := authenticateJWT(cfg.JWTSecret, token)
				if err != nil {
					respondStatusError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
				return
			}
			if raw := strings.TrimSpace(req.Header.Get("X-Api-Key")); raw != "" {
				p, err := authenticateAPIKey(req.Context(), r, raw)
				if err != nil {
					respondStatusError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
				return
			}
			if cfg.AllowLegacyActorHeader {
				if actorID := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actorID != "" {
					logger.Printf("WARNING: request authenticated via legacy X-Actor-Id header (actor %s)", actorID)
					p := Principal{ActorID: actorID, Source: "header"}
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
					return
				}
			}
			respondStatusError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		})
	}
}

func respondStatusError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
