package auth

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/psu-control/psuctl/internal/config"
)

// Scope constants.
const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
)

// Claims holds the token fields the API uses.
type Claims struct {
	Subject string   `json:"sub"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether the claims grant scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier checks token signatures and extracts claims.
type Verifier struct {
	algorithm string
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
}

// NewVerifier creates a verifier from the auth configuration.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	v := &Verifier{algorithm: cfg.Algorithm, issuer: cfg.Issuer}

	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
		v.secret = []byte(cfg.Secret)
	case "RS256":
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
		}
		v.publicKey = key
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	return v, nil
}

// VerifyToken verifies a token and returns its claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{v.algorithm})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return extractClaims(claims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if v.algorithm == "RS256" {
		return v.publicKey, nil
	}
	return v.secret, nil
}

func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	scopes, err := extractStringSlice(claims, "scopes")
	if err != nil {
		return nil, err
	}
	valid := map[string]bool{ScopeRead: true, ScopeControl: true, ScopeTelemetry: true}
	for _, s := range scopes {
		if !valid[s] {
			return nil, fmt.Errorf("invalid scope: %q", s)
		}
	}

	return &Claims{Subject: sub, Scopes: scopes}, nil
}

// extractStringSlice accepts a JSON array of strings or a space-separated
// string (the OAuth "scope" form).
func extractStringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	value, ok := claims[key]
	if !ok {
		return nil, fmt.Errorf("missing claim: %s", key)
	}

	switch val := value.(type) {
	case string:
		return strings.Fields(val), nil
	case []interface{}:
		result := make([]string, len(val))
		for i, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string", key)
			}
			result[i] = str
		}
		return result, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}
