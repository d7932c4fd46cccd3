package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const uidClaim = "userId"

// JWTClient authenticates HS256 tokens issued by `Issuer`.
// The token is read from the `token` header, `Authorization: Bearer`, or the `token` query
// parameter (browsers can not set headers on websocket upgrades).
type JWTClient struct {
	secret []byte
}

func NewJWTClient(secret []byte) *JWTClient {
	return &JWTClient{secret: secret}
}

func tokenFromRequest(r *http.Request) string {
	if v := r.Header.Get("token"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (c *JWTClient) Auth(r *http.Request) (string, error) {
	s := tokenFromRequest(r)
	if s == "" {
		return "", ErrNoCredentials
	}
	return c.Verify(s)
}

// Verify returns the uid carried by the token.
func (c *JWTClient) Verify(s string) (string, error) {
	token, err := jwt.Parse(s, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	uid, ok := claims[uidClaim].(string)
	if !ok || uid == "" {
		return "", errors.New("token without user id")
	}
	return uid, nil
}

// Issuer signs tokens for `JWTClient`.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl}
}

func (i *Issuer) Generate(uid string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		uidClaim: uid,
		"iat":    now.Unix(),
		"exp":    now.Add(i.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
