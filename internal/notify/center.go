// Package notify delivers user-visible notifications and live sync events to
// the UI.
package notify

import (
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/uuid"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one message for the operator. Persistent notifications
// stay listed until dismissed; the others are delivered to subscribers and
// kept only until the history limit pushes them out.
type Notification struct {
	ID         string                 `json:"id"`
	Level      Level                  `json:"level"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Persistent bool                   `json:"persistent"`
	Dismissed  bool                   `json:"dismissed"`
	CreatedAt  int64                  `json:"created_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// DefaultHistory is how many transient notifications are retained.
const DefaultHistory = 50

// Center stores notifications and fans them out to subscribers.
type Center struct {
	mu        sync.RWMutex
	items     map[string]*Notification
	transient []string // ids of non-persistent notifications, oldest first
	history   int
	subs      map[int]func(Notification)
	nextSub   int
	now       func() time.Time
}

// NewCenter creates an empty Center.
func NewCenter() *Center {
	return &Center{
		items:   make(map[string]*Notification),
		history: DefaultHistory,
		subs:    make(map[int]func(Notification)),
		now:     time.Now,
	}
}

// Publish records n and delivers it to every subscriber before returning.
// ID and CreatedAt are filled in when empty.
func (c *Center) Publish(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.New()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = c.now().UnixMilli()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}

	c.mu.Lock()
	stored := n
	c.items[n.ID] = &stored
	if !n.Persistent {
		c.transient = append(c.transient, n.ID)
		for len(c.transient) > c.history {
			delete(c.items, c.transient[0])
			c.transient = c.transient[1:]
		}
	}
	handlers := make([]func(Notification), 0, len(c.subs))
	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	logging.Info("notification published", map[string]interface{}{
		"notification_id": n.ID,
		"level":           string(n.Level),
		"code":            n.Code,
		"persistent":      n.Persistent,
	})

	for _, fn := range handlers {
		fn(n)
	}
	return n
}

// Warn publishes a warning.
func (c *Center) Warn(title, message string, persistent bool) Notification {
	return c.Publish(Notification{Level: LevelWarning, Title: title, Message: message, Persistent: persistent})
}

// List returns notifications newest first. Dismissed ones are included only
// when includeDismissed is true.
func (c *Center) List(includeDismissed bool) []Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Notification, 0, len(c.items))
	for _, n := range c.items {
		if n.Dismissed && !includeDismissed {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Dismiss marks a notification as dismissed.
func (c *Center) Dismiss(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[id]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("notification %s not found", id))
	}
	n.Dismissed = true
	return nil
}

// Subscribe registers fn for every future notification. The returned
// function removes the subscription.
func (c *Center) Subscribe(fn func(Notification)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}
