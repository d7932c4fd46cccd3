package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

// ServerError is a failure reported by the server.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Status != http.StatusOK {
		return fmt.Sprintf("%d: %s", e.Status, e.Message)
	}
	return e.Message
}

type envelope struct {
	Success    bool             `json:"success"`
	Message    string           `json:"message"`
	Token      string           `json:"token"`
	UserData   *store.User      `json:"userData"`
	User       *store.User      `json:"user"`
	Users      []*chat.Contact  `json:"users"`
	Contacts   []*chat.Contact  `json:"contacts"`
	Unseen     map[string]int32 `json:"unseenMessages"`
	Messages   []*store.Message `json:"messages"`
	NewMessage *store.Message   `json:"newMessage"`
}

// Remote implements API over the HTTP API of a server, and listens to its websocket.
type Remote struct {
	base  string
	http  *http.Client
	token string
	// uid is sent as `x-uid` when the server runs with mock auth.
	uid string
}

func NewRemote(base string) *Remote {
	return &Remote{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// UseMockUid authenticates as uid against a server running with mock auth.
func (r *Remote) UseMockUid(uid string) {
	r.uid = uid
}

func (r *Remote) do(ctx context.Context, method, path string, in interface{}) (*envelope, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.uid != "" {
		req.Header.Set("x-uid", r.uid)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &ServerError{Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return nil, &ServerError{Status: resp.StatusCode, Message: env.Message}
	}
	return &env, nil
}

func (r *Remote) session(env *envelope) *store.User {
	if env.Token != "" {
		r.token = env.Token
	}
	return env.UserData
}

func (r *Remote) Signup(ctx context.Context, in *chat.SignupInput) (*store.User, error) {
	env, err := r.do(ctx, http.MethodPost, "/api/auth/signup", in)
	if err != nil {
		return nil, err
	}
	return r.session(env), nil
}

func (r *Remote) Login(ctx context.Context, email, password string) (*store.User, error) {
	env, err := r.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	return r.session(env), nil
}

func (r *Remote) Me(ctx context.Context) (*store.User, error) {
	env, err := r.do(ctx, http.MethodGet, "/api/auth/check", nil)
	if err != nil {
		return nil, err
	}
	return env.User, nil
}

func (r *Remote) SearchUsers(ctx context.Context, prefix string) ([]*chat.Contact, error) {
	env, err := r.do(ctx, http.MethodGet, "/api/users/search?username="+url.QueryEscape(prefix), nil)
	if err != nil {
		return nil, err
	}
	return env.Users, nil
}

func (r *Remote) AddContact(ctx context.Context, uid string) error {
	_, err := r.do(ctx, http.MethodPost, "/api/users/add", map[string]string{"userIdToAdd": uid})
	return err
}

func (r *Remote) Sidebar(ctx context.Context) (*chat.Sidebar, error) {
	env, err := r.do(ctx, http.MethodGet, "/api/messages/users", nil)
	if err != nil {
		return nil, err
	}
	return &chat.Sidebar{Users: env.Users, Unseen: env.Unseen}, nil
}

func (r *Remote) Conversation(ctx context.Context, uid string) ([]*store.Message, error) {
	env, err := r.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(uid), nil)
	if err != nil {
		return nil, err
	}
	return env.Messages, nil
}

func (r *Remote) Send(ctx context.Context, to string, in *chat.SendInput) (*store.Message, error) {
	env, err := r.do(ctx, http.MethodPost, "/api/messages/send/"+url.PathEscape(to), in)
	if err != nil {
		return nil, err
	}
	return env.NewMessage, nil
}

func (r *Remote) MarkSeen(ctx context.Context, id string) error {
	_, err := r.do(ctx, http.MethodPut, "/api/messages/mark/"+url.PathEscape(id), nil)
	return err
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Listen connects the websocket and feeds pushed events to c until ctx is done or the
// connection fails. Reconnecting is left to the caller.
func (r *Remote) Listen(ctx context.Context, c *Client) error {
	u := "ws" + strings.TrimPrefix(r.base, "http") + "/ws"
	header := http.Header{}
	if r.token != "" {
		u += "?token=" + url.QueryEscape(r.token)
	}
	if r.uid != "" {
		header.Set("x-uid", r.uid)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.base, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		switch f.Event {
		case ws.EventNewMessage:
			var m store.Message
			if err := json.Unmarshal(f.Data, &m); err != nil {
				glog.Errorf("listen: bad %s: %v", f.Event, err)
				continue
			}
			c.OnNewMessage(&m)
		case presence.EventOnlineUsers:
			var v presence.OnlineUsers
			if err := json.Unmarshal(f.Data, &v); err != nil {
				glog.Errorf("listen: bad %s: %v", f.Event, err)
				continue
			}
			c.OnOnlineUsers(&v)
		default:
			glog.V(5).Infof("listen: ignore event %s", f.Event)
		}
	}
}
