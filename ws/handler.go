package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	SlowConsumer SessionError = 4
	ServerStop   SessionError = 5
	Replaced     SessionError = 6
)

const (
	eventPing = "ping"
	eventPong = "pong"
)

// Frame is the wire format in both directions.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Handler manages an active connection to end user, it implements `presence.Handle`.
// `sendLoop` is the only writer of the connection.
type Handler struct {
	sync.Mutex

	hub        *Hub
	uid        string
	sid        string
	ip         string
	createTime time.Time
	conn       *websocket.Conn

	dataChan chan *Frame
	closing  bool
	cause    SessionError
}

func (h *Handler) String() string {
	return fmt.Sprintf("{uid: %s, sid: %s, ip: %s}", h.uid, h.sid, h.ip)
}

func (h *Handler) Sid() string {
	return h.sid
}

// Emit implements `presence.Handle`. A full queue closes the connection: the client refetches
// on reconnect, which is cheaper than blocking every pusher on a slow reader.
func (h *Handler) Emit(event string, payload interface{}) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}

	select {
	case h.dataChan <- &Frame{Event: event, Data: payload}:
		return true
	default:
		glog.Errorf("session queue full, closing: %s", h)
		h.closeLocked(SlowConsumer)
		return false
	}
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	h.closeLocked(cause)
	h.Unlock()
}

func (h *Handler) closeLocked(cause SessionError) {
	if h.closing {
		return
	}
	h.closing = true
	h.cause = cause
	close(h.dataChan)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	conf := h.hub.conf
	h.conn.SetReadLimit(conf.ReadLimit)
	_ = h.conn.SetReadDeadline(time.Now().Add(conf.PongWait))
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(conf.PongWait))
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Errorf("recvLoop(): read error: %v, session: %s", err, h)
			}
			h.close(ReadError)
			return
		}
		_ = h.conn.SetReadDeadline(time.Now().Add(conf.PongWait))

		if msgType != websocket.TextMessage {
			glog.V(5).Infof("recvLoop(): ignore message type: %d, session: %s", msgType, h)
			continue
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			glog.V(5).Infof("recvLoop(): bad frame: %q, err: %v, session: %s", msg, err, h)
			continue
		}

		switch frame.Event {
		case eventPing:
			h.Emit(eventPong, nil)
		default:
			glog.V(5).Infof("recvLoop(): unsupported event: %q, session: %s", frame.Event, h)
		}
	}
}

func (h *Handler) sendLoop() {
	conf := h.hub.conf
	pingTicker := time.NewTicker(conf.PingPeriod)
	defer func() {
		pingTicker.Stop()
		_ = h.conn.Close()
		h.hub.unregister(h)
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.Lock()
				cause := h.cause
				h.Unlock()
				glog.V(5).Infof("sendLoop(): data chan closed, cause: %d, session: %s", cause, h)
				_ = h.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeCode(cause), ""), time.Now().Add(conf.WriteWait))
				return
			}

			_ = h.conn.SetWriteDeadline(time.Now().Add(conf.WriteWait))
			if err := h.conn.WriteJSON(v); err != nil {
				glog.Errorf("sendLoop(): error write message, session: %s, event: %s, err: %v", h, v.Event, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(conf.WriteWait)); err != nil {
				glog.Errorf("sendLoop(): error write ping message, session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}

func closeCode(cause SessionError) int {
	switch cause {
	case ServerStop:
		return websocket.CloseGoingAway
	case Replaced:
		return websocket.ClosePolicyViolation
	case SlowConsumer:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}
