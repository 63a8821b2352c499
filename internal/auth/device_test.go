package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetrail/fleetrail/internal/config"
)

func newTokens(secret string, ttl time.Duration) *DeviceTokens {
	return NewDeviceTokens(&config.Config{DeviceTokenSecret: secret, DeviceTokenTTL: ttl})
}

func TestIssueAndParse(t *testing.T) {
	tokens := newTokens("test-secret", time.Hour)
	require.True(t, tokens.Enabled())

	raw, err := tokens.Issue("acme", "ctl-1")
	require.NoError(t, err)

	claims, err := tokens.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.Tenant)
	assert.Equal(t, "ctl-1", claims.ControllerID)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	issuer := newTokens("secret-a", time.Hour)
	verifier := newTokens("secret-b", time.Hour)

	raw, err := issuer.Issue("acme", "ctl-1")
	require.NoError(t, err)

	_, err = verifier.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	tokens := newTokens("test-secret", -time.Minute)

	raw, err := tokens.Issue("acme", "ctl-1")
	require.NoError(t, err)

	_, err = tokens.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	tokens := newTokens("test-secret", time.Hour)
	_, err := tokens.Parse("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledWithoutSecret(t *testing.T) {
	tokens := newTokens("", time.Hour)
	assert.False(t, tokens.Enabled())
}
