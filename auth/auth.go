package auth

import (
	"errors"
	"net/http"
)

var ErrNoCredentials = errors.New("no credentials")

type Client interface {
	// Auth authenticate current user, return uid.
	Auth(r *http.Request) (string, error)
}
