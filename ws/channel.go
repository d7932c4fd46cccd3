package ws

import (
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minichat/presence"
)

// EventNewMessage carries a `store.Message` to its recipient.
const EventNewMessage = "newMessage"

var pushCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minichat",
	Name:      "pushes_total",
	Help:      "Realtime pushes by result: delivered, offline, dropped.",
}, []string{"event", "result"})

func init() {
	prometheus.MustRegister(pushCounter)
}

// Channel delivers events to the live connection of a user, at most once.
// Durability is the message store's job: an offline recipient fetches on next load.
type Channel struct {
	registry *presence.Registry
}

func NewChannel(registry *presence.Registry) *Channel {
	return &Channel{registry: registry}
}

// Push returns true if the event was handed to the recipient's connection.
func (c *Channel) Push(uid, event string, payload interface{}) bool {
	h := c.registry.Lookup(uid)
	if h == nil {
		pushCounter.WithLabelValues(event, "offline").Inc()
		glog.V(5).Infof("push %s to %s: offline", event, uid)
		return false
	}

	if !h.Emit(event, payload) {
		pushCounter.WithLabelValues(event, "dropped").Inc()
		glog.V(5).Infof("push %s to %s: dropped, sid: %s", event, uid, h.Sid())
		return false
	}

	pushCounter.WithLabelValues(event, "delivered").Inc()
	glog.V(5).Infof("push %s to %s: delivered, sid: %s", event, uid, h.Sid())
	return true
}
