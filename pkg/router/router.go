// Package router demultiplexes decoded inbound events to listeners registered per kind.
//
// A Router is not safe for concurrent use. It is owned by a session's event loop, which
// is the only goroutine that calls On, Off and Dispatch.
package router

import (
	"fmt"

	"media-forensics-telemetry/internal/pkg/logger"
	"media-forensics-telemetry/pkg/events"
)

// Listener handles one event. A returned error or a panic is logged and does not stop
// delivery to the remaining listeners.
type Listener func(ev events.Inbound) error

// Token identifies one registration and is used to unsubscribe.
type Token uint64

type subscription struct {
	token    Token
	listener Listener
	active   bool
}

type Router struct {
	listeners map[events.Kind][]*subscription
	byToken   map[Token]*subscription
	kindOf    map[Token]events.Kind
	next      Token
	logger    logger.ILogger
}

func New(log logger.ILogger) *Router {
	return &Router{
		listeners: make(map[events.Kind][]*subscription),
		byToken:   make(map[Token]*subscription),
		kindOf:    make(map[Token]events.Kind),
		logger:    log,
	}
}

// On registers listener for kind. Listeners for the same kind run in registration order.
func (r *Router) On(kind events.Kind, listener Listener) Token {
	r.next++
	sub := &subscription{token: r.next, listener: listener, active: true}
	r.listeners[kind] = append(r.listeners[kind], sub)
	r.byToken[sub.token] = sub
	r.kindOf[sub.token] = kind
	return sub.token
}

// Off removes a registration. Unknown or already removed tokens are ignored.
// Once Off returns the listener is never invoked again, including for an event whose
// dispatch is currently in progress.
func (r *Router) Off(token Token) {
	sub, ok := r.byToken[token]
	if !ok {
		return
	}
	sub.active = false
	delete(r.byToken, token)

	kind := r.kindOf[token]
	delete(r.kindOf, token)

	subs := r.listeners[kind]
	for i, s := range subs {
		if s == sub {
			// Copy so an in-flight Dispatch keeps iterating its own snapshot.
			next := make([]*subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			r.listeners[kind] = next
			break
		}
	}
	if len(r.listeners[kind]) == 0 {
		delete(r.listeners, kind)
	}
}

// Count returns the number of active registrations for kind.
func (r *Router) Count(kind events.Kind) int {
	return len(r.listeners[kind])
}

// Dispatch delivers ev to every listener registered for ev.Kind at call time.
// It returns how many listeners were invoked.
func (r *Router) Dispatch(ev events.Inbound) int {
	snapshot := r.listeners[ev.Kind]
	delivered := 0
	for _, sub := range snapshot {
		if !sub.active {
			continue
		}
		delivered++
		if err := r.invoke(sub, ev); err != nil {
			r.logger.Warn("Router", "Listener failed", map[string]interface{}{
				"kind":  string(ev.Kind),
				"token": uint64(sub.token),
				"error": err.Error(),
			})
		}
	}
	return delivered
}

func (r *Router) invoke(sub *subscription, ev events.Inbound) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v", rec)
		}
	}()
	return sub.listener(ev)
}
