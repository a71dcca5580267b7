package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// getKeyFromCache retrieves the rsa.PublicKey for the given kid from the
// provided JWKSCache, adapting the generic crypto.PublicKey GetKey returns.
func getKeyFromCache(jwks *JWKSCache, kid string) (*rsa.PublicKey, error) {
	if jwks == nil {
		return nil, fmt.Errorf("jwks cache is nil")
	}
	key, err := jwks.GetKey(kid)
	if err != nil {
		return nil, fmt.Errorf("get jwk key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("jwks: key %s is not rsa", kid)
	}
	return pub, nil
}

// ValidateJWT validates an RS256 bearer token against the JWKS cache and
// returns its claims along with the roles extracted from them.
func ValidateJWT(ctx context.Context, token string, jwks *JWKSCache, issuer string, audience string) (jwt.MapClaims, []string, error) {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return getKeyFromCache(jwks, kid)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, nil, fmt.Errorf("token invalid")
	}

	return claims, extractRolesFromClaims(claims), nil
}

// extractRolesFromClaims attempts to find roles in common claim locations.
func extractRolesFromClaims(claims map[string]interface{}) []string {
	out := make([]string, 0)
	// direct roles
	if r, ok := claims["roles"]; ok {
		if arr, ok2 := r.([]interface{}); ok2 {
			for _, v := range arr {
				if s, ok3 := v.(string); ok3 {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	// realm_access.roles
	if ra, ok := claims["realm_access"]; ok {
		if ram, ok2 := ra.(map[string]interface{}); ok2 {
			if rr, ok3 := ram["roles"]; ok3 {
				if arr, ok4 := rr.([]interface{}); ok4 {
					for _, v := range arr {
						if s, ok5 := v.(string); ok5 {
							out = append(out, s)
						}
					}
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	// resource_access -> client -> roles
	if ra, ok := claims["resource_access"]; ok {
		if ram, ok2 := ra.(map[string]interface{}); ok2 {
			for _, v := range ram {
				if vm, ok3 := v.(map[string]interface{}); ok3 {
					if rr, ok4 := vm["roles"]; ok4 {
						if arr, ok5 := rr.([]interface{}); ok5 {
							for _, rv := range arr {
								if s, ok6 := rv.(string); ok6 {
									out = append(out, s)
								}
							}
						}
					}
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	// scope as space-separated
	if sc, ok := claims["scope"]; ok {
		if s, ok2 := sc.(string); ok2 {
			for _, tok := range strings.Split(s, " ") {
				tok = strings.TrimSpace(tok)
				if tok != "" {
					out = append(out, tok)
				}
			}
		}
	}
	return out
}

// OIDCMiddleware validates the Bearer token (if present) and populates
// Roles, Subject and Issuer on AuthInfo.
func OIDCMiddleware(jwks *JWKSCache, issuer, audience string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := FromContext(r.Context())
			if ai == nil {
				ai = &AuthInfo{}
				ctx := context.WithValue(r.Context(), ctxKeyAuthInfo, ai)
				r = r.WithContext(ctx)
			}
			// Prefer Bearer token from AuthInfo or header
			token := ai.BearerToken
			if token == "" {
				ah := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
					token = strings.TrimSpace(ah[len("bearer "):])
				}
			}
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Validate token and log failures for diagnosis.
			claims, roles, err := ValidateJWT(r.Context(), token, jwks, issuer, audience)
			if err != nil {
				var jerr error
				if jwks != nil {
					jerr = jwks.LastError()
				}
				log.Printf("[oidc] token validation failed: %v jwks.last_err=%v", err, jerr)
				next.ServeHTTP(w, r)
				return
			}

			ai.Roles = roles
			if sub, ok := claims["sub"].(string); ok {
				ai.Subject = sub
			}
			if iss, ok := claims["iss"].(string); ok {
				ai.Issuer = iss
			}
			next.ServeHTTP(w, r)
		})
	}
}
