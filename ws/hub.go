package ws

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
)

type Conf struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration

	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod time.Duration

	// Time allowed to read the next message (pong included) from the peer.
	PongWait time.Duration

	// websocket max message size to read.
	ReadLimit int64

	// outbound queue size per connection.
	QueueSize int

	// "*" allows any origin.
	AllowedOrigin string
}

func DefaultConf() *Conf {
	return &Conf{
		WriteWait:     3 * time.Second,
		PingPeriod:    20 * time.Second,
		PongWait:      25 * time.Second,
		ReadLimit:     4096,
		QueueSize:     64,
		AllowedOrigin: "*",
	}
}

// Hub upgrades authenticated requests to websocket sessions and keeps them in the registry.
type Hub struct {
	conf       *Conf
	authClient auth.Client
	registry   *presence.Registry
	upgrader   websocket.Upgrader
}

func NewHub(authClient auth.Client, registry *presence.Registry, conf *Conf) *Hub {
	h := &Hub{
		conf:       conf,
		authClient: authClient,
		registry:   registry,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.conf.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.conf.AllowedOrigin
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	// NOTE: after upgrade, `w.WriteHeader(...)` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		hub:        h,
		uid:        uid,
		sid:        store.NewId(),
		ip:         getRemoteIP(r),
		createTime: time.Now(),
		conn:       conn,
		dataChan:   make(chan *Frame, h.conf.QueueSize),
	}

	// sendLoop first: Connect emits the online set to the new session too.
	go handler.sendLoop()

	old, err := h.registry.Connect(uid, handler)
	if err != nil {
		glog.Errorf("ServeHTTP(): registry connect error: %v, session: %s", err, handler)
		handler.close(ServerStop)
		return
	}
	if v, ok := old.(*Handler); ok && v != nil {
		glog.Infof("session replaced: %s, by: %s", v, handler)
		v.close(Replaced)
	}
	glog.V(5).Infof("session connected: %s", handler)

	go handler.recvLoop()
}

func (h *Hub) unregister(handler *Handler) {
	if h.registry.Disconnect(handler.uid, handler) {
		glog.V(5).Infof("session disconnected: %s", handler)
	}
}

// Close closes all sessions and rejects new ones.
func (h *Hub) Close() {
	glog.Infof("close connections ...")
	for _, v := range h.registry.Close() {
		if handler, ok := v.(*Handler); ok {
			handler.close(ServerStop)
		}
	}
	glog.Infof("close connections done")
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			for _, x := range strings.Split(ips, ",") {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
					break
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
