package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"inkline/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

// Principal is the authenticated caller. ActorID matches either a contract
// initiator or a party identity_ref depending on the operation.
type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// newAuthMiddleware resolves a Principal from bearer JWT, hashed API key, or
// (when enabled) the legacy X-Actor-Id header, in that order. Health stays
// open; everything else under the base path requires a principal.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			p, err := resolvePrincipal(req, cfg, r, logger)
			if err != nil {
				respondStatusError(w, err)
				return
			}
			ctx := context.WithValue(req.Context(), principalKey{}, p)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func resolvePrincipal(req *http.Request, cfg AuthConfig, r repo.Repo, logger *log.Logger) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok {
			token, ok = strings.CutPrefix(authz, "bearer ")
		}
		if !ok {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		p, err := verifyJWT(strings.TrimSpace(token), cfg.JWTSecret)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return p, nil
	}

	if raw := strings.TrimSpace(req.Header.Get("X-Api-Key")); raw != "" {
		key, err := r.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(raw))
		if err != nil || key.ActorID == "" {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return Principal{ActorID: key.ActorID, Source: "api_key"}, nil
	}

	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && cfg.AllowLegacyActorHeader {
		logger.Printf("WARNING: using legacy X-Actor-Id header without auth (actor_id=%s)", actor)
		return Principal{ActorID: actor, Source: "legacy_header"}, nil
	}

	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func verifyJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
