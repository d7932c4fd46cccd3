package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	token, err := NewIssuer(secret, time.Hour).Generate("u1")
	require.NoError(t, err)

	c := NewJWTClient(secret)

	r := httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	r.Header.Set("token", token)
	uid, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	r = httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	uid, err = c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	r = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	uid, err = c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
}

func TestJWTRejects(t *testing.T) {
	c := NewJWTClient([]byte("s3cret"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := c.Auth(r)
	assert.ErrorIs(t, err, ErrNoCredentials)

	other, err := NewIssuer([]byte("other"), time.Hour).Generate("u1")
	require.NoError(t, err)
	_, err = c.Verify(other)
	assert.Error(t, err)

	expired, err := NewIssuer([]byte("s3cret"), -time.Minute).Generate("u1")
	require.NoError(t, err)
	_, err = c.Verify(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTCarriesExpiry(t *testing.T) {
	s, err := NewIssuer([]byte("s3cret"), time.Hour).Generate("u1")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(s, claims, func(*jwt.Token) (interface{}, error) { return []byte("s3cret"), nil })
	require.NoError(t, err)
	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp.Time, time.Minute)
}

func TestMockClient(t *testing.T) {
	c := &MockClient{}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "u7"})
	uid, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u7", uid)

	_, err = c.Auth(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("secret1")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "secret1"))
	assert.False(t, CheckPassword(hash, "secret2"))
}
