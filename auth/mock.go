package auth

import (
	"fmt"
	"net/http"
)

// MockClient trusts the `x-uid` cookie or header. Development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	var uid string

	if c, err := r.Cookie("x-uid"); err == nil {
		uid = c.Value
	}
	if uid == "" {
		uid = r.Header.Get("x-uid")
	}

	if uid == "" {
		return "", fmt.Errorf("empty x-uid from cookie or header: %w", ErrNoCredentials)
	}
	return uid, nil
}
