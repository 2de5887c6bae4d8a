// Package feed keeps the bounded, newest-first list of user-facing alerts for one
// analysis session.
//
// Every transient notification gets its own auto-close timer. Removal by any path
// (dismissal, eviction, expiry, Close) cancels that timer, and a timer that fires after
// its notification is gone is a no-op. A separate advisory slot holds the persistent
// connectivity notice; it never expires and does not count against the capacity.
//
// A Feed is not safe for concurrent use. Timer callbacks are delivered through the
// Scheduler, which must run them on the same goroutine that calls the Feed.
package feed

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

const (
	DefaultMaxNotifications = 10
	DefaultAutoClose        = 5000 * time.Millisecond
)

type Notification struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"read"`
	Persistent bool      `json:"persistent,omitempty"`
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Config bounds the feed. Zero values take the defaults; a negative AutoClose turns
// auto-expiry off.
type Config struct {
	MaxNotifications int
	AutoClose        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxNotifications <= 0 {
		c.MaxNotifications = DefaultMaxNotifications
	}
	if c.AutoClose == 0 {
		c.AutoClose = DefaultAutoClose
	}
	return c
}

type entry struct {
	n     Notification
	timer Timer
	token uint64
}

type Feed struct {
	cfg      Config
	sched    Scheduler
	now      func() time.Time
	items    []*entry // newest first
	byID     map[string]*entry
	advisory *Notification
	seq      uint64
	closed   bool
}

func New(cfg Config, sched Scheduler) *Feed {
	return &Feed{
		cfg:   cfg.withDefaults(),
		sched: sched,
		now:   time.Now,
		byID:  make(map[string]*entry),
	}
}

// Config returns the effective configuration.
func (f *Feed) Config() Config { return f.cfg }

// Push inserts n at the front, evicting the oldest entries beyond capacity, and
// schedules its auto-close. Missing ID and CreatedAt are filled in. An existing entry
// with the same ID is replaced.
func (f *Feed) Push(n Notification) Notification {
	if f.closed {
		return n
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.now()
	}
	n.Persistent = false

	if old, ok := f.byID[n.ID]; ok {
		f.remove(old)
	}

	f.seq++
	e := &entry{n: n, token: f.seq}
	f.items = append([]*entry{e}, f.items...)
	f.byID[n.ID] = e

	for len(f.items) > f.cfg.MaxNotifications {
		f.remove(f.items[len(f.items)-1])
	}

	if f.cfg.AutoClose > 0 && f.sched != nil {
		id, token := n.ID, e.token
		e.timer = f.sched.AfterFunc(f.cfg.AutoClose, func() { f.expire(id, token) })
	}
	return n
}

// Dismiss removes the notification with id. Unknown ids are ignored.
func (f *Feed) Dismiss(id string) bool {
	e, ok := f.byID[id]
	if !ok {
		return false
	}
	f.remove(e)
	return true
}

func (f *Feed) expire(id string, token uint64) {
	if f.closed {
		return
	}
	e, ok := f.byID[id]
	// A reused id belongs to a newer push with its own timer.
	if !ok || e.token != token {
		return
	}
	f.remove(e)
}

func (f *Feed) remove(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(f.byID, e.n.ID)
	for i, it := range f.items {
		if it == e {
			f.items = append(f.items[:i], f.items[i+1:]...)
			break
		}
	}
}

// List returns the notifications newest first.
func (f *Feed) List() []Notification {
	out := make([]Notification, len(f.items))
	for i, e := range f.items {
		out[i] = e.n
	}
	return out
}

func (f *Feed) Len() int { return len(f.items) }

func (f *Feed) MarkRead(id string) bool {
	e, ok := f.byID[id]
	if !ok {
		return false
	}
	e.n.Read = true
	return true
}

func (f *Feed) MarkAllRead() {
	for _, e := range f.items {
		e.n.Read = true
	}
}

func (f *Feed) UnreadCount() int {
	n := 0
	for _, e := range f.items {
		if !e.n.Read {
			n++
		}
	}
	return n
}

// SetAdvisory installs or replaces the persistent connectivity advisory.
func (f *Feed) SetAdvisory(kind Kind, title, message string) {
	if f.closed {
		return
	}
	id := "connectivity-advisory"
	created := f.now()
	if f.advisory != nil {
		created = f.advisory.CreatedAt
	}
	f.advisory = &Notification{
		ID:         id,
		Kind:       kind,
		Title:      title,
		Message:    message,
		CreatedAt:  created,
		Persistent: true,
	}
}

func (f *Feed) ClearAdvisory() {
	f.advisory = nil
}

func (f *Feed) Advisory() (Notification, bool) {
	if f.advisory == nil {
		return Notification{}, false
	}
	return *f.advisory, true
}

// Close cancels every pending timer and drops all entries. Later calls are no-ops.
func (f *Feed) Close() {
	if f.closed {
		return
	}
	for len(f.items) > 0 {
		f.remove(f.items[0])
	}
	f.advisory = nil
	f.closed = true
}

// TimeScheduler schedules with time.AfterFunc. The callback runs on its own goroutine,
// so callers that need loop affinity wrap it.
type TimeScheduler struct{}

func (TimeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
