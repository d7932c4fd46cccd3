package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDupUsername = errors.New("duplicate username")
	ErrDupEmail    = errors.New("duplicate email")
	ErrDupContact  = errors.New("duplicate contact")
)

// Message is one direct message between two users.
// Only `Seen` changes after creation, and only from false to true.
type Message struct {
	Id         string    `json:"_id"`
	SenderId   string    `json:"senderId"`
	ReceiverId string    `json:"receiverId"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"` // object storage URL
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"createdAt"`
}

type User struct {
	Id           string    `json:"_id"`
	Username     string    `json:"username"`
	FullName     string    `json:"fullName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	ProfilePic   string    `json:"profilePic"`
	Bio          string    `json:"bio"`
	Contacts     []string  `json:"contacts"` // directed: users this user has added
	CreatedAt    time.Time `json:"createdAt"`
}

// HasContact reports whether uid is in the user's contact set.
func (u *User) HasContact(uid string) bool {
	for _, v := range u.Contacts {
		if v == uid {
			return true
		}
	}
	return false
}

type IMessageStore interface {
	// SaveMessage assigns `Id` and `CreatedAt` and persists the message with `Seen` false.
	SaveMessage(ctx context.Context, m *Message) error

	// GetMessage returns ErrNotFound for unknown ids.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ListConversation gets all messages between a and b, order by create time ASC.
	ListConversation(ctx context.Context, a, b string) ([]*Message, error)

	// MarkSeen sets the message as seen. `changed` is false if it was already seen.
	MarkSeen(ctx context.Context, id string) (changed bool, err error)

	// CountUnseen counts, for each sender, messages from sender to viewer not yet seen.
	// Every sender is present in the result, zero counts included.
	CountUnseen(ctx context.Context, viewer string, senders []string) (map[string]int32, error)
}

type IUserStore interface {
	// CreateUser assigns `Id` and `CreatedAt`. Usernames are unique case-insensitively.
	CreateUser(ctx context.Context, u *User) error

	GetUser(ctx context.Context, id string) (*User, error)

	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUsers returns the users found, in the order of ids. Unknown ids are skipped.
	GetUsers(ctx context.Context, ids []string) ([]*User, error)

	// UpdateProfile updates full name and bio, and the profile picture if not empty.
	UpdateProfile(ctx context.Context, id, fullName, bio, profilePic string) (*User, error)

	// AddContact appends contact to owner's contact set, ErrDupContact if already present.
	AddContact(ctx context.Context, owner, contact string) error

	// SearchUsers matches usernames starting with prefix, ignoring case.
	SearchUsers(ctx context.Context, prefix string, exclude []string, limit int) ([]*User, error)
}

type IStore interface {
	IMessageStore
	IUserStore
	Close() error
}
