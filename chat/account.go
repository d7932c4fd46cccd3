package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/media"
	"github.com/mqy/minichat/store"
)

const minPasswordLen = 6

type SignupInput struct {
	Username string `json:"username"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Bio      string `json:"bio"`
}

type ProfileInput struct {
	FullName string `json:"fullName"`
	Bio      string `json:"bio"`
	// ProfilePic is an optional data url, the current picture is kept when empty.
	ProfilePic string `json:"profilePic"`
}

func (s *Service) Signup(ctx context.Context, in *SignupInput) (*store.User, error) {
	u := &store.User{
		Username: strings.TrimSpace(in.Username),
		FullName: strings.TrimSpace(in.FullName),
		Email:    strings.TrimSpace(in.Email),
		Bio:      strings.TrimSpace(in.Bio),
	}
	if u.Username == "" || u.FullName == "" || u.Email == "" || in.Password == "" || u.Bio == "" {
		return nil, newError(KindValidation, "Missing Details")
	}
	if strings.ContainsAny(u.Username, " \t\r\n") {
		return nil, newError(KindValidation, "Username must not contain spaces")
	}
	if !strings.Contains(u.Email, "@") {
		return nil, newError(KindValidation, "Invalid email")
	}
	if len(in.Password) < minPasswordLen {
		return nil, newError(KindValidation, "Password must be at least 6 characters")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, internalError(err)
	}
	u.PasswordHash = hash

	if err := s.store.CreateUser(ctx, u); err != nil {
		switch {
		case errors.Is(err, store.ErrDupUsername):
			return nil, newError(KindConflict, "Username already taken")
		case errors.Is(err, store.ErrDupEmail):
			return nil, newError(KindConflict, "Email already in use")
		}
		glog.Errorf("create user %s: %v", u.Username, err)
		return nil, internalError(err)
	}
	glog.Infof("user signed up, id: %s, username: %s", u.Id, u.Username)
	return u, nil
}

// Login checks email and password. Unknown email and wrong password are not told apart.
func (s *Service) Login(ctx context.Context, email, password string) (*store.User, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindAuth, "Invalid credentials")
		}
		return nil, internalError(err)
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, newError(KindAuth, "Invalid credentials")
	}
	return u, nil
}

// Me returns the authenticated user, an auth error if it no longer exists.
func (s *Service) Me(ctx context.Context, uid string) (*store.User, error) {
	u, err := s.getUser(ctx, uid)
	if IsKind(err, KindNotFound) {
		return nil, newError(KindAuth, "User not found")
	}
	return u, err
}

func (s *Service) UpdateProfile(ctx context.Context, uid string, in *ProfileInput) (*store.User, error) {
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return nil, newError(KindValidation, "Full name is required")
	}

	pic := strings.TrimSpace(in.ProfilePic)
	if pic != "" {
		if !media.IsDataURL(pic) {
			return nil, newError(KindValidation, "Invalid image")
		}
		url, err := s.uploadImage(ctx, "profiles/"+uid, pic)
		if err != nil {
			return nil, err
		}
		pic = url
	}

	u, err := s.store.UpdateProfile(ctx, uid, fullName, strings.TrimSpace(in.Bio), pic)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, "User not found")
		}
		return nil, internalError(err)
	}
	return u, nil
}
