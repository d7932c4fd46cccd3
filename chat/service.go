package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minichat/events"
	"github.com/mqy/minichat/media"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

var (
	messagesSentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Name:      "messages_sent_total",
		Help:      "Messages stored, by kind of content.",
	}, []string{"content"})

	markSeenCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Name:      "mark_seen_total",
		Help:      "Mark seen requests, by whether the flag changed.",
	}, []string{"changed"})
)

func init() {
	prometheus.MustRegister(messagesSentCounter, markSeenCounter)
}

// Pusher delivers realtime events, see ws.Channel.
type Pusher interface {
	Push(uid, event string, payload interface{}) bool
}

type OnlineChecker interface {
	IsOnline(uid string) bool
}

type Conf struct {
	// Decoded size limit of uploaded images.
	MaxImageBytes int

	// Max users returned by a search.
	SearchLimit int
}

func DefaultConf() *Conf {
	return &Conf{
		MaxImageBytes: 4 << 20,
		SearchLimit:   20,
	}
}

// Service implements the chat operations on behalf of an authenticated user.
type Service struct {
	conf      *Conf
	store     store.IStore
	pusher    Pusher
	online    OnlineChecker
	uploader  media.Uploader
	publisher events.Publisher

	publishing sync.WaitGroup
}

func NewService(conf *Conf, st store.IStore, pusher Pusher, online OnlineChecker,
	uploader media.Uploader, publisher events.Publisher) *Service {
	return &Service{
		conf:      conf,
		store:     st,
		pusher:    pusher,
		online:    online,
		uploader:  uploader,
		publisher: publisher,
	}
}

type SendInput struct {
	Text string `json:"text"`
	// Image is a data url to upload, or a reference returned by a previous upload.
	Image string `json:"image"`
}

// Contact is the public view of a user.
type Contact struct {
	Id         string `json:"_id"`
	Username   string `json:"username"`
	FullName   string `json:"fullName"`
	ProfilePic string `json:"profilePic"`
	Bio        string `json:"bio"`
	Online     bool   `json:"online"`
}

// Sidebar is the contact list of a viewer with the unseen count baseline.
type Sidebar struct {
	Users  []*Contact       `json:"users"`
	Unseen map[string]int32 `json:"unseenMessages"`
}

// Send stores a message from `from` to `to` and pushes it to the recipient if online.
func (s *Service) Send(ctx context.Context, from, to string, in *SendInput) (*store.Message, error) {
	if to == "" {
		return nil, newError(KindValidation, "Receiver id missing")
	}
	text := strings.TrimSpace(in.Text)
	image := strings.TrimSpace(in.Image)
	if text == "" && image == "" {
		return nil, newError(KindValidation, "Message text or image is required")
	}

	if _, err := s.getUser(ctx, to); err != nil {
		return nil, err
	}

	if media.IsDataURL(image) {
		url, err := s.uploadImage(ctx, "messages/"+from, image)
		if err != nil {
			return nil, err
		}
		image = url
	}

	m := &store.Message{
		SenderId:   from,
		ReceiverId: to,
		Text:       text,
		Image:      image,
	}
	if err := s.store.SaveMessage(ctx, m); err != nil {
		glog.Errorf("save message from %s to %s: %v", from, to, err)
		return nil, internalError(err)
	}
	messagesSentCounter.WithLabelValues(contentLabel(m)).Inc()

	// offline is not an error: the recipient fetches history on next load.
	if !s.pusher.Push(to, ws.EventNewMessage, m) {
		glog.V(5).Infof("message %s not pushed, receiver: %s", m.Id, to)
	}
	s.publish(ctx, m)
	return m, nil
}

// publish hands m to the publisher off the request path, it outlives the request.
func (s *Service) publish(ctx context.Context, m *store.Message) {
	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		s.publisher.MessageSent(context.WithoutCancel(ctx), m)
	}()
}

// Wait blocks until every started publication is done.
func (s *Service) Wait() {
	s.publishing.Wait()
}

func contentLabel(m *store.Message) string {
	switch {
	case m.Text != "" && m.Image != "":
		return "text_image"
	case m.Image != "":
		return "image"
	}
	return "text"
}

// Conversation returns messages between viewer and other, oldest first.
func (s *Service) Conversation(ctx context.Context, viewer, other string) ([]*store.Message, error) {
	if other == "" {
		return nil, newError(KindValidation, "User id missing")
	}
	msgs, err := s.store.ListConversation(ctx, viewer, other)
	if err != nil {
		return nil, internalError(err)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return msgs, nil
}

// MarkSeen marks a message received by viewer as seen. Repeated calls succeed.
// Messages the viewer did not receive are reported as not found.
func (s *Service) MarkSeen(ctx context.Context, viewer, id string) error {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindNotFound, "Message not found")
		}
		return internalError(err)
	}
	if m.ReceiverId != viewer {
		return newError(KindNotFound, "Message not found")
	}

	changed, err := s.store.MarkSeen(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindNotFound, "Message not found")
		}
		return internalError(err)
	}
	if changed {
		markSeenCounter.WithLabelValues("true").Inc()
	} else {
		markSeenCounter.WithLabelValues("false").Inc()
	}
	return nil
}

// UnseenCounts counts, for every contact of viewer, messages from that contact not yet seen.
func (s *Service) UnseenCounts(ctx context.Context, viewer string) (map[string]int32, error) {
	u, err := s.getUser(ctx, viewer)
	if err != nil {
		return nil, err
	}
	return s.countUnseen(ctx, u)
}

func (s *Service) countUnseen(ctx context.Context, u *store.User) (map[string]int32, error) {
	counts, err := s.store.CountUnseen(ctx, u.Id, u.Contacts)
	if err != nil {
		return nil, internalError(err)
	}
	return counts, nil
}

func (s *Service) Sidebar(ctx context.Context, viewer string) (*Sidebar, error) {
	u, err := s.getUser(ctx, viewer)
	if err != nil {
		return nil, err
	}
	users, err := s.contacts(ctx, u)
	if err != nil {
		return nil, err
	}
	unseen, err := s.countUnseen(ctx, u)
	if err != nil {
		return nil, err
	}
	return &Sidebar{Users: users, Unseen: unseen}, nil
}

func (s *Service) Contacts(ctx context.Context, viewer string) ([]*Contact, error) {
	u, err := s.getUser(ctx, viewer)
	if err != nil {
		return nil, err
	}
	return s.contacts(ctx, u)
}

func (s *Service) contacts(ctx context.Context, u *store.User) ([]*Contact, error) {
	users, err := s.store.GetUsers(ctx, u.Contacts)
	if err != nil {
		return nil, internalError(err)
	}
	return s.toContacts(users), nil
}

// SearchUsers finds users whose username starts with prefix, ignoring case.
// The viewer and the viewer's contacts are excluded.
func (s *Service) SearchUsers(ctx context.Context, viewer, prefix string) ([]*Contact, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, newError(KindValidation, "Search query missing")
	}
	u, err := s.getUser(ctx, viewer)
	if err != nil {
		return nil, err
	}

	exclude := append([]string{u.Id}, u.Contacts...)
	users, err := s.store.SearchUsers(ctx, prefix, exclude, s.conf.SearchLimit)
	if err != nil {
		return nil, internalError(err)
	}
	return s.toContacts(users), nil
}

func (s *Service) AddContact(ctx context.Context, viewer, target string) error {
	if target == "" {
		return newError(KindValidation, "User ID missing")
	}
	if target == viewer {
		return newError(KindConflict, "Cannot add yourself")
	}
	if _, err := s.getUser(ctx, target); err != nil {
		return err
	}

	if err := s.store.AddContact(ctx, viewer, target); err != nil {
		switch {
		case errors.Is(err, store.ErrDupContact):
			return newError(KindConflict, "User already in contacts")
		case errors.Is(err, store.ErrNotFound):
			return newError(KindNotFound, "User not found")
		}
		return internalError(err)
	}
	glog.V(5).Infof("contact added, owner: %s, contact: %s", viewer, target)
	return nil
}

func (s *Service) getUser(ctx context.Context, id string) (*store.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, "User not found")
		}
		return nil, internalError(err)
	}
	return u, nil
}

func (s *Service) toContacts(users []*store.User) []*Contact {
	out := make([]*Contact, 0, len(users))
	for _, u := range users {
		out = append(out, &Contact{
			Id:         u.Id,
			Username:   u.Username,
			FullName:   u.FullName,
			ProfilePic: u.ProfilePic,
			Bio:        u.Bio,
			Online:     s.online.IsOnline(u.Id),
		})
	}
	return out
}

// uploadImage stores a data url image under dir and returns its URL.
func (s *Service) uploadImage(ctx context.Context, dir, dataURL string) (string, error) {
	contentType, data, err := media.DecodeDataURL(dataURL, s.conf.MaxImageBytes)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrTooLarge):
			return "", &Error{Kind: KindValidation, Msg: "Image is too large", Err: err}
		case errors.Is(err, media.ErrNotImage):
			return "", &Error{Kind: KindValidation, Msg: "Only images can be uploaded", Err: err}
		}
		return "", &Error{Kind: KindValidation, Msg: "Invalid image", Err: err}
	}

	key := dir + "/" + store.NewId() + media.Extension(contentType)
	url, err := s.uploader.Upload(ctx, key, contentType, data)
	if err != nil {
		if errors.Is(err, media.ErrNotConfigured) {
			return "", &Error{Kind: KindValidation, Msg: "Image upload is not available", Err: err}
		}
		glog.Errorf("upload %s: %v", key, err)
		return "", internalError(err)
	}
	return url, nil
}
