// Package session owns everything that belongs to one live analysis: the connection
// handle, the event router, the progress aggregator, the notification feed and the
// latest risk view.
//
// All of that state is touched by exactly one goroutine, the session loop. Transport
// frames, connection state changes, feed timer expiries and caller requests are all
// queued onto the loop and run one at a time in arrival order, so no two mutations ever
// interleave. Callbacks in Options and router listeners run on the loop and must not
// call the blocking Session methods.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"media-forensics-telemetry/internal/pkg/logger"
	"media-forensics-telemetry/pkg/connection"
	"media-forensics-telemetry/pkg/events"
	"media-forensics-telemetry/pkg/feed"
	"media-forensics-telemetry/pkg/progress"
	"media-forensics-telemetry/pkg/risk"
	"media-forensics-telemetry/pkg/router"
)

var ErrSessionClosed = errors.New("session closed")

type Options struct {
	SessionID        string
	MaxNotifications int
	AutoClose        time.Duration

	// OnComplete runs once when the result arrives, with the presented risk view. The
	// view is nil when the result carried no scores.
	OnComplete func(view *risk.View)
	// OnError runs at most once, for a job-level error or an exhausted retry budget.
	OnError func(message string)
	// OnUpdate receives a fresh snapshot after every mutation.
	OnUpdate func(snap Snapshot)
}

// Snapshot is the view model handed to the presentation layer.
type Snapshot struct {
	SessionID      string                           `json:"session_id"`
	State          connection.State                 `json:"state"`
	OverallPercent float64                          `json:"overall_percent"`
	Degraded       bool                             `json:"degraded"`
	Terminal       bool                             `json:"terminal"`
	Failed         bool                             `json:"failed"`
	PerStage       map[events.Stage]progress.Record `json:"per_stage"`
	Notifications  []feed.Notification              `json:"notifications"`
	Advisory       *feed.Notification               `json:"advisory,omitempty"`
	UnreadCount    int                              `json:"unread_count"`
	Risk           *risk.View                       `json:"risk,omitempty"`
	UpdatedAt      time.Time                        `json:"updated_at"`
	// Version increases with every published snapshot of the session.
	Version        uint64                           `json:"version"`
}

type Session struct {
	id     string
	opts   Options
	logger logger.ILogger

	router *router.Router
	agg    *progress.Aggregator
	feed   *feed.Feed
	handle *connection.Handle
	state  connection.State
	risk   *risk.View
	closed bool

	// version counts published snapshots.
	version uint64

	tasks     chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// Open builds the session, starts its loop and opens the live channel through manager.
func Open(manager *connection.Manager, opts Options, log logger.ILogger) (*Session, error) {
	if strings.TrimSpace(opts.SessionID) == "" {
		return nil, connection.ErrEmptySessionID
	}

	s := &Session{
		id:       opts.SessionID,
		opts:     opts,
		logger:   log,
		router:   router.New(log),
		state:    connection.StateDisconnected,
		tasks:    make(chan func(), 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.feed = feed.New(feed.Config{
		MaxNotifications: opts.MaxNotifications,
		AutoClose:        opts.AutoClose,
	}, loopScheduler{s: s})
	s.agg = progress.New(progress.Callbacks{
		OnComplete: s.completed,
		OnError:    s.failed,
	})

	s.router.On(events.KindAnalysisProgress, s.onProgress)
	s.router.On(events.KindResultReady, s.onResult)
	s.router.On(events.KindError, s.onJobError)

	go s.loop()

	handle, err := manager.Open(s.id, s)
	if err != nil {
		s.stopLoop()
		return nil, fmt.Errorf("open channel for session %s: %w", s.id, err)
	}
	// The handle may already be delivering; publish it through the loop.
	if err := s.do(func() {
		s.handle = handle
		if s.agg.Terminal() {
			s.releaseTransport()
		}
	}); err != nil {
		handle.Close()
		return nil, err
	}

	s.logger.Info("Session", "Session opened", map[string]interface{}{"session_id": s.id})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn onto the loop. It reports false once the loop has stopped.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		return ErrSessionClosed
	}
}

func (s *Session) stopLoop() {
	close(s.quit)
	<-s.loopDone
}

// OnStateChange implements connection.Sink.
func (s *Session) OnStateChange(change connection.StateChange) {
	s.post(func() {
		if s.closed {
			return
		}
		s.applyState(change)
		s.publish()
	})
}

// OnFrame implements connection.Sink.
func (s *Session) OnFrame(raw []byte) {
	s.post(func() {
		if s.closed {
			return
		}
		s.handleFrame(raw)
	})
}

func (s *Session) handleFrame(raw []byte) {
	ev, err := events.Decode(raw)
	if err != nil {
		s.logger.Warn("Session", "Dropping malformed frame", map[string]interface{}{
			"session_id": s.id,
			"error":      err.Error(),
			"bytes":      len(raw),
		})
		return
	}
	s.router.Dispatch(ev)
	s.publish()
}

func (s *Session) applyState(change connection.StateChange) {
	s.state = change.State

	switch change.State {
	case connection.StateConnected:
		s.feed.ClearAdvisory()
	case connection.StateConnecting:
		msg := "Connecting to analysis service"
		if change.Attempt > 0 {
			msg = fmt.Sprintf("Connecting to analysis service (attempt %d of %d)", change.Attempt, change.MaxRetries)
		}
		s.feed.SetAdvisory(feed.KindWarning, "Connecting", msg)
	case connection.StateReconnecting:
		msg := "Connection lost. Reconnecting"
		if change.Attempt > 0 {
			msg = fmt.Sprintf("Connection lost. Reconnecting (attempt %d of %d)", change.Attempt, change.MaxRetries)
		}
		s.feed.SetAdvisory(feed.KindWarning, "Reconnecting", msg)
	case connection.StateFailed:
		s.feed.SetAdvisory(feed.KindError, "Connection failed", "Unable to reach analysis service")
		reason := "unable to reach analysis service"
		if change.Err != nil {
			reason = fmt.Sprintf("%s: %v", reason, change.Err)
		}
		s.agg.Fail(reason)
	case connection.StateDisconnected:
		s.feed.ClearAdvisory()
	}
}

func (s *Session) onProgress(ev events.Inbound) error {
	upd := s.agg.ApplyEvent(ev)
	if !upd.StatusChanged() {
		return nil
	}
	name := stageTitle(upd.Stage)
	switch upd.Current.Status {
	case events.StatusFailed:
		s.feed.Push(feed.Notification{
			Kind:    feed.KindWarning,
			Title:   name + " analysis failed",
			Message: fmt.Sprintf("%s analysis stopped at %.0f%%. Other stages continue.", name, upd.Current.Percent),
		})
	case events.StatusCompleted:
		s.feed.Push(feed.Notification{
			Kind:    feed.KindSuccess,
			Title:   name + " analysis complete",
			Message: fmt.Sprintf("%s analysis finished.", name),
		})
	}
	return nil
}

func (s *Session) onResult(ev events.Inbound) error {
	if s.agg.Terminal() {
		return nil
	}
	message := "No scores were reported"
	if ev.Result != nil {
		view := risk.Present(risk.Scores(*ev.Result))
		s.risk = &view
		message = view.Narrative
	}
	s.feed.Push(feed.Notification{
		Kind:    feed.KindSuccess,
		Title:   "Analysis complete",
		Message: message,
	})
	s.agg.ApplyEvent(ev)
	return nil
}

func (s *Session) onJobError(ev events.Inbound) error {
	if s.agg.Terminal() {
		return nil
	}
	msg := "analysis failed"
	if ev.Error != nil {
		msg = ev.Error.Message
	}
	s.feed.Push(feed.Notification{
		Kind:    feed.KindError,
		Title:   "Analysis failed",
		Message: msg,
	})
	s.agg.ApplyEvent(ev)
	return nil
}

func (s *Session) completed() {
	s.logger.Info("Session", "Analysis complete", map[string]interface{}{"session_id": s.id})
	if s.opts.OnComplete != nil {
		var view *risk.View
		if s.risk != nil {
			v := *s.risk
			view = &v
		}
		s.opts.OnComplete(view)
	}
	s.releaseTransport()
}

func (s *Session) failed(message string) {
	s.logger.Error("Session", "Analysis failed", map[string]interface{}{
		"session_id": s.id,
		"error":      message,
	})
	if s.opts.OnError != nil {
		s.opts.OnError(message)
	}
	s.releaseTransport()
}

// releaseTransport drops the live channel once the job is over. Handle.Close waits for
// the handle goroutine, which may itself be queueing onto this loop, so it runs aside.
func (s *Session) releaseTransport() {
	h := s.handle
	if h == nil {
		return
	}
	go func() {
		h.Close()
		s.post(func() {
			if s.closed || s.state == connection.StateFailed {
				return
			}
			s.state = connection.StateDisconnected
			s.feed.ClearAdvisory()
			s.publish()
		})
	}()
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:      s.id,
		State:          s.state,
		OverallPercent: s.agg.OverallPercent(),
		Degraded:       s.agg.Degraded(),
		Terminal:       s.agg.Terminal(),
		Failed:         s.agg.Failed(),
		PerStage:       s.agg.PerStage(),
		Notifications:  s.feed.List(),
		UnreadCount:    s.feed.UnreadCount(),
		UpdatedAt:      time.Now(),
		Version:        s.version,
	}
	if adv, ok := s.feed.Advisory(); ok {
		snap.Advisory = &adv
	}
	if s.risk != nil {
		v := *s.risk
		snap.Risk = &v
	}
	return snap
}

func (s *Session) publish() {
	s.version++
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(s.snapshot())
	}
}

// Snapshot returns the current view model.
func (s *Session) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.do(func() { snap = s.snapshot() })
	return snap, err
}

// State returns the connection state as last seen by the loop.
func (s *Session) State() (connection.State, error) {
	var st connection.State
	err := s.do(func() { st = s.state })
	return st, err
}

// Dismiss removes a notification and cancels its auto-close. Unknown ids are a no-op.
func (s *Session) Dismiss(id string) (bool, error) {
	var removed bool
	err := s.do(func() {
		if s.closed {
			return
		}
		if removed = s.feed.Dismiss(id); removed {
			s.publish()
		}
	})
	return removed, err
}

func (s *Session) MarkRead(id string) (bool, error) {
	var ok bool
	err := s.do(func() {
		if s.closed {
			return
		}
		if ok = s.feed.MarkRead(id); ok {
			s.publish()
		}
	})
	return ok, err
}

func (s *Session) MarkAllRead() error {
	return s.do(func() {
		if s.closed {
			return
		}
		s.feed.MarkAllRead()
		s.publish()
	})
}

// Subscribe adds a listener to the session's router. The listener runs on the loop.
func (s *Session) Subscribe(kind events.Kind, l router.Listener) (router.Token, error) {
	var tok router.Token
	err := s.do(func() { tok = s.router.On(kind, l) })
	return tok, err
}

// Unsubscribe removes a listener; once it returns the listener is never called again.
func (s *Session) Unsubscribe(tok router.Token) error {
	return s.do(func() { s.router.Off(tok) })
}

// Close tears the session down: the channel is released, every pending feed timer is
// cancelled and the loop stops. Nothing mutates after Close returns. Close is
// idempotent and must not be called from the loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		var h *connection.Handle
		s.do(func() { h = s.handle })
		if h != nil {
			h.Close()
		}

		s.do(func() {
			s.state = connection.StateDisconnected
			s.feed.Close()
			s.publish()
			s.closed = true
		})
		s.stopLoop()
		s.logger.Info("Session", "Session closed", map[string]interface{}{"session_id": s.id})
	})
}

// Done is closed once the session loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.loopDone }

func stageTitle(st events.Stage) string {
	name := string(st)
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// loopScheduler delivers feed timer expiries onto the session loop.
type loopScheduler struct {
	s *Session
}

func (l loopScheduler) AfterFunc(d time.Duration, f func()) feed.Timer {
	return time.AfterFunc(d, func() {
		l.s.post(func() {
			if l.s.closed {
				return
			}
			before := l.s.feed.Len()
			f()
			if l.s.feed.Len() != before {
				l.s.publish()
			}
		})
	})
}
