package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/single-channel-gateway/internal/config"
	"github.com/lorawan-server/single-channel-gateway/pkg/crypto"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewJWTManager(config.JWTConfig{Secret: "secret", AccessTokenTTL: time.Hour})

	token, expires, err := m.GenerateToken("admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateTokenRejects(t *testing.T) {
	m := NewJWTManager(config.JWTConfig{Secret: "secret", AccessTokenTTL: time.Hour})
	token, _, err := m.GenerateToken("admin")
	require.NoError(t, err)

	other := NewJWTManager(config.JWTConfig{Secret: "other"})
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogin(t *testing.T) {
	hash, err := crypto.HashPassword("hunter2")
	require.NoError(t, err)
	api := config.APIConfig{AdminUser: "admin", AdminPasswordHash: hash}
	m := NewJWTManager(config.JWTConfig{Secret: "secret"})

	token, _, err := m.Login(api, "admin", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, _, err = m.Login(api, "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = m.Login(api, "root", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	api.AdminPasswordHash = ""
	_, _, err = m.Login(api, "admin", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
