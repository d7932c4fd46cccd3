package store

import (
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"
)

// Clock hands out strictly increasing timestamps, so that messages of one store never share a
// create time and conversation order is total.
type Clock struct {
	sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current time truncated to microseconds (mysql DATETIME(6) precision),
// bumped past the previous value when the wall clock did not advance.
func (c *Clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// NewId returns a 32 chars hex id.
func NewId() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// ConversationKey is the order independent key of the conversation between a and b.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// NormalizeUsername is the form used for uniqueness and prefix search.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsString(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// escapeLike escapes LIKE wildcards, so that user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
