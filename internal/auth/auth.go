// Package auth verifies bearer tokens on the push endpoints. Tokens are JWTs
// signed by the fleet deployment tooling; public keys are loaded from a PEM
// file at startup.
package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// WriteScope is the scope required to trigger push operations.
const WriteScope = "fleetadmin.write"

// Config carries the verifier's inputs, usually copied from the service config.
type Config struct {
	// KeysFile is a PEM file containing one or more public keys (or
	// certificates) trusted to sign tokens. Empty disables token auth and
	// rejects all bearer requests unless the debug token matches.
	KeysFile string

	// AllowDebugToken enables the static debug token bypass for local
	// development.
	AllowDebugToken bool
	DebugToken      string
}

// Verifier checks Authorization headers on incoming requests.
type Verifier struct {
	cfg  Config
	keys []interface{}
}

// NewVerifier creates a verifier and loads trusted public keys if configured.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{cfg: cfg}
	if cfg.KeysFile != "" {
		if err := v.loadKeys(cfg.KeysFile); err != nil {
			return nil, fmt.Errorf("failed to load auth keys: %w", err)
		}
	}
	return v, nil
}

func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue // skip unknown blocks
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return fmt.Errorf("no valid keys found in %s", path)
	}
	v.keys = keys
	return nil
}

// VerifyRequest checks that r carries a valid bearer token with the write
// scope, or the debug token when that bypass is enabled.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return errors.New("authentication required: bearer token")
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

	if v.cfg.AllowDebugToken && v.cfg.DebugToken != "" && tokenStr == v.cfg.DebugToken {
		return nil
	}

	return v.verifyToken(tokenStr)
}

func (v *Verifier) verifyToken(tokenStr string) error {
	if len(v.keys) == 0 {
		return errors.New("no auth keys configured")
	}

	// PEM files carry no key IDs, so try each trusted key in turn.
	var (
		err   error
		token *jwt.Token
	)
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}

	if scope, ok := claims["scope"].(string); ok {
		if !hasScope(scope, WriteScope) {
			return errors.New("missing required scope")
		}
		return nil
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == WriteScope {
				return nil
			}
		}
		return errors.New("missing required scope in roles")
	}
	return errors.New("missing scope/roles")
}

func hasScope(scopeClaim string, want string) bool {
	for _, s := range strings.Fields(scopeClaim) {
		if s == want {
			return true
		}
	}
	return false
}

// Middleware rejects unauthenticated requests with 401 before the handler runs.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.VerifyRequest(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"error":%q}`, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
