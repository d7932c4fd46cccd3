package client

import (
	"context"
	"errors"
	"sort"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/store"
)

var (
	ErrNoConversation = errors.New("no conversation selected")
	ErrStopped        = errors.New("client stopped")
)

// API is the server side the client talks to, see Remote.
type API interface {
	Sidebar(ctx context.Context) (*chat.Sidebar, error)
	Conversation(ctx context.Context, uid string) ([]*store.Message, error)
	Send(ctx context.Context, to string, in *chat.SendInput) (*store.Message, error)
	MarkSeen(ctx context.Context, id string) error
}

// Notifier surfaces failures to the user. It is called on the Run goroutine and must not block.
type Notifier func(err error)

// View is a copy of the client state.
type View struct {
	Contacts      []*chat.Contact
	Online        map[string]bool
	OnlineVersion uint64
	Unseen        map[string]int32

	// Selected is the user of the open conversation, empty if none is open.
	Selected string
	Loading  bool
	Messages []*store.Message
}

// Client keeps the chat state of one signed in user. Every input, from the user, from
// the realtime channel or from a finished API call, is an event processed in arrival order
// by Run, so state is only touched by one goroutine.
type Client struct {
	api    API
	notify Notifier
	events chan interface{}
	done   chan struct{}

	contacts []*chat.Contact
	unseen   map[string]int32
	// seeded holds contacts whose unseen count took a server baseline or was reset by open.
	seeded        map[string]bool
	online        map[string]bool
	onlineEpoch   string
	onlineVersion uint64

	// delivered holds ids of pushed messages already handled.
	delivered map[string]bool

	// open conversation.
	selected string
	// gen is bumped on every select and deselect. Results of older generations are dropped.
	gen      uint64
	loading  bool
	messages []*store.Message
	byId     map[string]*store.Message
	acked    map[string]bool
	// pending holds messages received while history is loading.
	pending []*store.Message
}

func New(api API, notify Notifier) *Client {
	if notify == nil {
		notify = func(err error) { glog.Errorf("client: %v", err) }
	}
	return &Client{
		api:       api,
		notify:    notify,
		events:    make(chan interface{}, 64),
		done:      make(chan struct{}),
		unseen:    make(map[string]int32),
		seeded:    make(map[string]bool),
		online:    make(map[string]bool),
		delivered: make(map[string]bool),
		byId:      make(map[string]*store.Message),
		acked:     make(map[string]bool),
	}
}

type (
	selectEvent      struct{ uid string }
	deselectEvent    struct{}
	sendEvent        struct{ in *chat.SendInput }
	refreshEvent     struct{}
	newMessageEvent  struct{ m *store.Message }
	onlineUsersEvent struct{ v *presence.OnlineUsers }
	viewEvent        struct{ ch chan *View }

	historyLoaded struct {
		gen  uint64
		uid  string
		msgs []*store.Message
		err  error
	}
	sendDone struct {
		gen uint64
		m   *store.Message
		err error
	}
	sidebarLoaded struct {
		sb  *chat.Sidebar
		err error
	}
	markSeenDone struct {
		id  string
		err error
	}
)

// Select opens the conversation with uid.
func (c *Client) Select(uid string) { c.post(&selectEvent{uid: uid}) }

// Deselect closes the open conversation.
func (c *Client) Deselect() { c.post(&deselectEvent{}) }

// Send sends to the open conversation.
func (c *Client) Send(in *chat.SendInput) { c.post(&sendEvent{in: in}) }

// Refresh reloads contacts and unseen counts.
func (c *Client) Refresh() { c.post(&refreshEvent{}) }

// OnNewMessage is called by the realtime channel.
func (c *Client) OnNewMessage(m *store.Message) { c.post(&newMessageEvent{m: m}) }

// OnOnlineUsers is called by the realtime channel.
func (c *Client) OnOnlineUsers(v *presence.OnlineUsers) { c.post(&onlineUsersEvent{v: v}) }

// View returns the state after every event posted before the call is processed.
func (c *Client) View() (*View, error) {
	ch := make(chan *View, 1)
	if !c.post(&viewEvent{ch: ch}) {
		return nil, ErrStopped
	}
	select {
	case v := <-ch:
		return v, nil
	case <-c.done:
		return nil, ErrStopped
	}
}

func (c *Client) post(ev interface{}) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Run processes events until ctx is done.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			glog.V(5).Infof("client: stopped: %v", ctx.Err())
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

// async runs an API call off the loop and posts its result back as an event.
func (c *Client) async(ctx context.Context, fn func(ctx context.Context) interface{}) {
	go func() {
		c.post(fn(ctx))
	}()
}

func (c *Client) handle(ctx context.Context, ev interface{}) {
	glog.V(5).Infof("client: event %T", ev)
	switch e := ev.(type) {
	case *selectEvent:
		c.open(ctx, e.uid)
	case *deselectEvent:
		c.closeConversation()
	case *historyLoaded:
		c.onHistory(ctx, e)
	case *sendEvent:
		c.send(ctx, e.in)
	case *sendDone:
		c.onSendDone(e)
	case *newMessageEvent:
		c.onNewMessage(ctx, e.m)
	case *refreshEvent:
		c.refresh(ctx)
	case *sidebarLoaded:
		c.onSidebar(e)
	case *onlineUsersEvent:
		c.onOnlineUsers(ctx, e.v)
	case *markSeenDone:
		if e.err != nil {
			c.notify(e.err)
		}
	case *viewEvent:
		e.ch <- c.view()
	default:
		glog.Errorf("client: unknown event %T", ev)
	}
}

func (c *Client) resetConversation() {
	c.gen++
	c.loading = false
	c.messages = nil
	c.byId = make(map[string]*store.Message)
	c.acked = make(map[string]bool)
	c.pending = nil
}

func (c *Client) open(ctx context.Context, uid string) {
	c.resetConversation()
	c.selected = uid
	c.loading = true
	c.unseen[uid] = 0
	c.seeded[uid] = true

	gen := c.gen
	c.async(ctx, func(ctx context.Context) interface{} {
		msgs, err := c.api.Conversation(ctx, uid)
		return &historyLoaded{gen: gen, uid: uid, msgs: msgs, err: err}
	})
}

func (c *Client) closeConversation() {
	c.resetConversation()
	c.selected = ""
}

func (c *Client) onHistory(ctx context.Context, e *historyLoaded) {
	if e.gen != c.gen {
		glog.V(5).Infof("client: drop history of %s, gen: %d, current: %d", e.uid, e.gen, c.gen)
		return
	}
	c.loading = false
	pending := c.pending
	c.pending = nil
	if e.err != nil {
		c.notify(e.err)
	}

	for _, m := range e.msgs {
		c.insert(m)
	}
	for _, m := range pending {
		if cur, ok := c.byId[m.Id]; ok {
			m = cur
		} else {
			c.insert(m)
		}
		c.ack(ctx, m)
	}
}

// insert adds m to the open conversation keeping create time order. Known ids are ignored.
func (c *Client) insert(m *store.Message) bool {
	if _, ok := c.byId[m.Id]; ok {
		return false
	}
	cp := *m
	c.byId[m.Id] = &cp
	c.messages = append(c.messages, &cp)

	if n := len(c.messages); n > 1 && c.messages[n-1].CreatedAt.Before(c.messages[n-2].CreatedAt) {
		sort.SliceStable(c.messages, func(i, j int) bool {
			return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
		})
	}
	return true
}

// ack marks an incoming message of the open conversation as seen, once.
func (c *Client) ack(ctx context.Context, m *store.Message) {
	if m.SenderId != c.selected || c.acked[m.Id] {
		return
	}
	c.acked[m.Id] = true
	if cur, ok := c.byId[m.Id]; ok {
		cur.Seen = true
	}

	id := m.Id
	c.async(ctx, func(ctx context.Context) interface{} {
		return &markSeenDone{id: id, err: c.api.MarkSeen(ctx, id)}
	})
}

func (c *Client) onNewMessage(ctx context.Context, m *store.Message) {
	if c.delivered[m.Id] {
		glog.V(5).Infof("client: duplicate push %s", m.Id)
		return
	}
	c.delivered[m.Id] = true

	if c.selected == "" || m.SenderId != c.selected {
		c.unseen[m.SenderId]++
		return
	}

	if c.loading {
		c.pending = append(c.pending, m)
		return
	}
	c.insert(m)
	c.ack(ctx, c.byId[m.Id])
}

func (c *Client) send(ctx context.Context, in *chat.SendInput) {
	if c.selected == "" {
		c.notify(ErrNoConversation)
		return
	}
	to, gen := c.selected, c.gen
	c.async(ctx, func(ctx context.Context) interface{} {
		m, err := c.api.Send(ctx, to, in)
		return &sendDone{gen: gen, m: m, err: err}
	})
}

func (c *Client) onSendDone(e *sendDone) {
	if e.err != nil {
		c.notify(e.err)
		return
	}
	if e.gen != c.gen {
		return
	}
	if c.loading {
		c.pending = append(c.pending, e.m)
		return
	}
	c.insert(e.m)
}

func (c *Client) refresh(ctx context.Context) {
	c.async(ctx, func(ctx context.Context) interface{} {
		sb, err := c.api.Sidebar(ctx)
		return &sidebarLoaded{sb: sb, err: err}
	})
}

// onSidebar replaces contacts. The first baseline of a contact covers every push counted
// before it, so the larger of the two wins; afterwards counts accumulated locally win.
func (c *Client) onSidebar(e *sidebarLoaded) {
	if e.err != nil {
		c.notify(e.err)
		return
	}
	c.contacts = e.sb.Users
	for _, u := range e.sb.Users {
		if c.seeded[u.Id] {
			continue
		}
		c.seeded[u.Id] = true
		if n := e.sb.Unseen[u.Id]; n > c.unseen[u.Id] {
			c.unseen[u.Id] = n
		}
	}
}

func (c *Client) onOnlineUsers(ctx context.Context, v *presence.OnlineUsers) {
	// a new epoch is a restarted server, its versions start over.
	if v.Epoch == c.onlineEpoch && v.Version <= c.onlineVersion {
		glog.V(5).Infof("client: drop online users version %d, current: %d", v.Version, c.onlineVersion)
		return
	}
	c.onlineEpoch = v.Epoch
	c.onlineVersion = v.Version
	c.online = make(map[string]bool, len(v.UserIds))
	for _, uid := range v.UserIds {
		c.online[uid] = true
	}
	c.refresh(ctx)
}

func (c *Client) view() *View {
	v := &View{
		Contacts:      make([]*chat.Contact, 0, len(c.contacts)),
		Online:        make(map[string]bool, len(c.online)),
		OnlineVersion: c.onlineVersion,
		Unseen:        make(map[string]int32, len(c.unseen)),
		Selected:      c.selected,
		Loading:       c.loading,
		Messages:      make([]*store.Message, 0, len(c.messages)),
	}
	for _, u := range c.contacts {
		cp := *u
		cp.Online = c.online[u.Id]
		v.Contacts = append(v.Contacts, &cp)
	}
	for k, b := range c.online {
		v.Online[k] = b
	}
	for k, n := range c.unseen {
		v.Unseen[k] = n
	}
	for _, m := range c.messages {
		cp := *m
		v.Messages = append(v.Messages, &cp)
	}
	return v
}
