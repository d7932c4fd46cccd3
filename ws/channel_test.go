package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/presence"
)

type recordingHandle struct {
	sid    string
	accept bool
	frames []*Frame
}

func (h *recordingHandle) Sid() string { return h.sid }

func (h *recordingHandle) Emit(event string, payload interface{}) bool {
	if !h.accept {
		return false
	}
	h.frames = append(h.frames, &Frame{Event: event, Data: payload})
	return true
}

func (h *recordingHandle) count(event string) int {
	var n int
	for _, f := range h.frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func TestPushDeliversIffPresent(t *testing.T) {
	registry := presence.NewRegistry()
	channel := NewChannel(registry)

	assert.False(t, channel.Push("r", EventNewMessage, "m1"))

	h := &recordingHandle{sid: "s", accept: true}
	_, err := registry.Connect("r", h)
	require.NoError(t, err)

	assert.True(t, channel.Push("r", EventNewMessage, "m1"))
	assert.Equal(t, 1, h.count(EventNewMessage))
	assert.Equal(t, "m1", h.frames[len(h.frames)-1].Data)

	registry.Disconnect("r", h)
	assert.False(t, channel.Push("r", EventNewMessage, "m2"))
	assert.Equal(t, 1, h.count(EventNewMessage))
}

func TestPushDropped(t *testing.T) {
	registry := presence.NewRegistry()
	channel := NewChannel(registry)

	_, err := registry.Connect("r", &recordingHandle{sid: "s"})
	require.NoError(t, err)
	assert.False(t, channel.Push("r", EventNewMessage, "m1"))
}
