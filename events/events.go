package events

import (
	"context"
	"time"

	"github.com/mqy/minichat/store"
)

const TypeMessageSent = "message.sent"

// Event is the value written for every published event.
type Event struct {
	Type    string         `json:"type"`
	Message *store.Message `json:"message,omitempty"`
	Time    time.Time      `json:"time"`
}

// Publisher notifies downstream consumers. Implementations log failures instead of returning
// them, a message that was stored is sent regardless.
type Publisher interface {
	MessageSent(ctx context.Context, msg *store.Message)
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) MessageSent(context.Context, *store.Message) {}

func (NopPublisher) Close() error { return nil }
