// internal/identity/identity.go
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

var (
	// ErrInvalidToken covers every token that fails signature or claim checks.
	ErrInvalidToken = errors.New("invalid identity token")
	// ErrNoSigningKey is returned when tokens are presented but none can be verified.
	ErrNoSigningKey = errors.New("identity signing key is not configured")
)

// Claims carried by an identity token.
type Claims struct {
	Level string `json:"level"`
	jwt.RegisteredClaims
}

// Resolver turns bearer tokens into a request context.
type Resolver struct {
	key          []byte
	issuer       string
	defaultLevel schemas.UserLevel
	parser       *jwt.Parser
	now          func() time.Time
}

// NewResolver validates the configuration.
func NewResolver(cfg config.IdentityConfig) (*Resolver, error) {
	level := schemas.UserLevel(strings.ToLower(cfg.DefaultLevel))
	if level == "" {
		level = schemas.LevelBusiness
	}
	if !level.Valid() {
		return nil, fmt.Errorf("unknown default user level %q", cfg.DefaultLevel)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Resolver{
		key:          []byte(cfg.SigningKey),
		issuer:       cfg.Issuer,
		defaultLevel: level,
		parser:       jwt.NewParser(opts...),
		now:          time.Now,
	}, nil
}

// DefaultLevel is the level of callers without a token.
func (r *Resolver) DefaultLevel() schemas.UserLevel { return r.defaultLevel }

// Resolve verifies token and returns the caller's identity. An empty token
// resolves to an anonymous caller at the default level. A missing or unknown
// level claim also falls back to the default level.
func (r *Resolver) Resolve(token string) (schemas.RequestContext, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return schemas.RequestContext{UserLevel: r.defaultLevel}, nil
	}
	if len(r.key) == 0 {
		return schemas.RequestContext{}, ErrNoSigningKey
	}

	var claims Claims
	_, err := r.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.key, nil
	})
	if err != nil {
		return schemas.RequestContext{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	level := schemas.UserLevel(strings.ToLower(claims.Level))
	if !level.Valid() {
		level = r.defaultLevel
	}
	return schemas.RequestContext{UserID: claims.Subject, UserLevel: level}, nil
}

// Issue signs a token for userID at level, valid for ttl. Used by operators
// and tests to mint tokens.
func (r *Resolver) Issue(userID string, level schemas.UserLevel, ttl time.Duration) (string, error) {
	if len(r.key) == 0 {
		return "", ErrNoSigningKey
	}
	if !level.Valid() {
		return "", fmt.Errorf("unknown user level %q", level)
	}
	now := r.now()
	claims := Claims{
		Level: string(level),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.key)
}
