package presence

import (
	"errors"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// EventOnlineUsers carries `OnlineUsers` to every connected client on membership change.
const EventOnlineUsers = "getOnlineUsers"

var ErrClosed = errors.New("presence registry closed")

var onlineUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "minichat",
	Name:      "online_users",
	Help:      "Number of users with a live connection.",
})

func init() {
	prometheus.MustRegister(onlineUsersGauge)
}

// Handle is the live connection of a user.
type Handle interface {
	// Sid identifies the connection.
	Sid() string

	// Emit enqueues a named event, it MUST NOT block.
	// Returns false if the event was not accepted.
	Emit(event string, payload interface{}) bool
}

// OnlineUsers is the broadcast payload. Clients drop snapshots older than the last one seen
// of the same epoch. Versions restart from 1 with every new registry, hence new epoch.
type OnlineUsers struct {
	Epoch   string   `json:"epoch"`
	Version uint64   `json:"version"`
	UserIds []string `json:"userIds"`
}

// Registry maps user ids to their live connection, one connection per user.
type Registry struct {
	sync.RWMutex
	handles map[string]Handle
	epoch   string
	version uint64
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]Handle),
		epoch:   uuid.New(),
	}
}

// Epoch identifies this registry instance.
func (r *Registry) Epoch() string {
	return r.epoch
}

// Connect registers h as the connection of uid and broadcasts the new online set.
// The replaced connection, if any, is returned for the caller to close; it gets no more events.
func (r *Registry) Connect(uid string, h Handle) (Handle, error) {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	old := r.handles[uid]
	r.handles[uid] = h
	glog.V(5).Infof("presence: connect uid: %s, sid: %s", uid, h.Sid())
	r.changedLocked()
	return old, nil
}

// Disconnect removes uid if its current connection is h. A nil h removes unconditionally.
// Returns true if an entry was removed.
func (r *Registry) Disconnect(uid string, h Handle) bool {
	r.Lock()
	defer r.Unlock()

	cur, ok := r.handles[uid]
	if !ok {
		return false
	}
	if h != nil && cur.Sid() != h.Sid() {
		// a newer connection replaced h.
		return false
	}

	delete(r.handles, uid)
	glog.V(5).Infof("presence: disconnect uid: %s, sid: %s", uid, cur.Sid())
	r.changedLocked()
	return true
}

// changedLocked bumps the version and fans the snapshot out while the lock is held, so every
// handle receives snapshots in version order.
func (r *Registry) changedLocked() {
	r.version++
	msg := &OnlineUsers{Epoch: r.epoch, Version: r.version, UserIds: r.snapshotLocked()}
	onlineUsersGauge.Set(float64(len(msg.UserIds)))

	for uid, h := range r.handles {
		if !h.Emit(EventOnlineUsers, msg) {
			glog.V(5).Infof("presence: online users dropped, uid: %s, sid: %s", uid, h.Sid())
		}
	}
}

func (r *Registry) IsOnline(uid string) bool {
	r.RLock()
	_, ok := r.handles[uid]
	r.RUnlock()
	return ok
}

// Lookup returns the connection of uid, nil if offline.
func (r *Registry) Lookup(uid string) Handle {
	r.RLock()
	h := r.handles[uid]
	r.RUnlock()
	return h
}

// Snapshot returns online user ids, sorted.
func (r *Registry) Snapshot() []string {
	r.RLock()
	defer r.RUnlock()
	return r.snapshotLocked()
}

// Version is bumped on every membership change.
func (r *Registry) Version() uint64 {
	r.RLock()
	defer r.RUnlock()
	return r.version
}

// Current returns the snapshot together with its version.
func (r *Registry) Current() *OnlineUsers {
	r.RLock()
	defer r.RUnlock()
	return &OnlineUsers{Epoch: r.epoch, Version: r.version, UserIds: r.snapshotLocked()}
}

func (r *Registry) snapshotLocked() []string {
	out := make([]string, 0, len(r.handles))
	for uid := range r.handles {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Close clears the registry and rejects further connects.
// It returns the handles that were registered, for the caller to close.
func (r *Registry) Close() []Handle {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.handles = make(map[string]Handle)
	r.version++
	onlineUsersGauge.Set(0)
	return out
}
