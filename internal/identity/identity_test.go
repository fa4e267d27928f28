package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(config.IdentityConfig{SigningKey: "test-signing-key", Issuer: "querycore", DefaultLevel: "business"})
	require.NoError(t, err)
	return r
}

func TestResolve_RoundTrip(t *testing.T) {
	r := newResolver(t)
	token, err := r.Issue("u-42", schemas.LevelTechnical, time.Hour)
	require.NoError(t, err)

	rc, err := r.Resolve("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "u-42", rc.UserID)
	assert.Equal(t, schemas.LevelTechnical, rc.UserLevel)
}

func TestResolve_Anonymous(t *testing.T) {
	r := newResolver(t)
	rc, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, schemas.LevelBusiness, rc.UserLevel)
	assert.Empty(t, rc.UserID)
}

func TestResolve_Rejections(t *testing.T) {
	r := newResolver(t)

	expired, err := r.Issue("u-1", schemas.LevelAnalyst, -time.Minute)
	require.NoError(t, err)
	_, err = r.Resolve(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewResolver(config.IdentityConfig{SigningKey: "another-key", Issuer: "querycore"})
	require.NoError(t, err)
	forged, err := other.Issue("u-1", schemas.LevelTechnical, time.Hour)
	require.NoError(t, err)
	_, err = r.Resolve(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Level: "technical",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	_, err = r.Resolve(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = r.Resolve(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = r.Resolve("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolve_UnknownLevelFallsBack(t *testing.T) {
	r := newResolver(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Level: "root",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-7",
			Issuer:    "querycore",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	rc, err := r.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, schemas.LevelBusiness, rc.UserLevel)
}

func TestNewResolver_Validation(t *testing.T) {
	_, err := NewResolver(config.IdentityConfig{DefaultLevel: "admin"})
	assert.Error(t, err)

	r, err := NewResolver(config.IdentityConfig{})
	require.NoError(t, err)
	assert.Equal(t, schemas.LevelBusiness, r.DefaultLevel())
	_, err = r.Resolve("some.token.value")
	assert.ErrorIs(t, err, ErrNoSigningKey)
	_, err = r.Issue("u", schemas.LevelBusiness, time.Minute)
	assert.ErrorIs(t, err, ErrNoSigningKey)
}
