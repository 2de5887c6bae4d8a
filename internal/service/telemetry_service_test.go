package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"media-forensics-telemetry/internal/dto"
	"media-forensics-telemetry/internal/pkg/logger"
	"media-forensics-telemetry/internal/session"
	"media-forensics-telemetry/pkg/connection"
	"media-forensics-telemetry/pkg/events"
	"media-forensics-telemetry/pkg/feed"
	"media-forensics-telemetry/pkg/risk"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newStreamConn(frames ...string) *streamConn {
	c := &streamConn{frames: make(chan []byte, len(frames)+1), closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// perSession dials a fresh conn from script for each session id; unknown ids are refused.
type perSession struct {
	mu     sync.Mutex
	script map[string][]string
}

func (p *perSession) Dial(_ context.Context, sessionID string) (connection.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames, ok := p.script[sessionID]
	if !ok {
		return nil, errors.New("refused")
	}
	return newStreamConn(frames...), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

func (r *recordingPublisher) find(eventType string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.EventType() == eventType {
			return e, true
		}
	}
	return nil, false
}

type fixture struct {
	svc       ITelemetryService
	registry  *session.Registry
	lifecycle *recordingPublisher
	pubSub    *gochannel.GoChannel
}

func newFixture(t *testing.T, tr connection.Transport) *fixture {
	t.Helper()
	log := logger.NewNopLogger()
	manager := connection.NewManager(tr, connection.Policy{
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		MaxRetries: 1,
	}, log)
	registry := session.NewRegistry(time.Hour)
	pubSub := NewUpdateBus(watermill.NopLogger{})
	lifecycle := &recordingPublisher{}

	svc := NewTelemetryService(manager, registry, lifecycle, pubSub,
		feed.Config{MaxNotifications: 10, AutoClose: time.Minute}, log)

	t.Cleanup(func() {
		registry.CloseAll()
		pubSub.Close()
	})
	return &fixture{svc: svc, registry: registry, lifecycle: lifecycle, pubSub: pubSub}
}

const (
	voiceDone = `{"type":"analysis_progress","data":{"stage":"voice","progress_percent":100,"status":"completed"}}`
	result    = `{"type":"result_ready","data":{"fused_score":81,"voice_score":90,"video_score":70,"document_score":20,"liveness_score":10,"scam_score":60}}`
)

func TestOpenCompletesAndPublishesLifecycle(t *testing.T) {
	f := newFixture(t, &perSession{script: map[string][]string{"case-1": {voiceDone, result}}})

	snap, err := f.svc.Open(context.Background(), dto.OpenSessionRequest{SessionID: "case-1"})
	require.NoError(t, err)
	assert.Equal(t, "case-1", snap.SessionID)

	require.Eventually(t, func() bool {
		_, ok := f.lifecycle.find(events.TypeAnalysisCompleted)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	evt, _ := f.lifecycle.find(events.TypeAnalysisCompleted)
	assert.Equal(t, "case-1", evt.Payload()["session_id"])
	assert.Equal(t, string(risk.LevelCritical), evt.Payload()["risk_level"])

	got, err := f.svc.Snapshot(context.Background(), "case-1")
	require.NoError(t, err)
	assert.True(t, got.Terminal)
	require.NotNil(t, got.Risk)
	assert.Equal(t, risk.LevelCritical, got.Risk.Level)
	assert.NotContains(t, f.lifecycle.types(), events.TypeAnalysisFailed)
}

func TestOpenTwiceIsRejected(t *testing.T) {
	f := newFixture(t, &perSession{script: map[string][]string{"dup": {}}})

	_, err := f.svc.Open(context.Background(), dto.OpenSessionRequest{SessionID: "dup"})
	require.NoError(t, err)

	_, err = f.svc.Open(context.Background(), dto.OpenSessionRequest{SessionID: "dup"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t, &perSession{})
	ctx := context.Background()

	_, err := f.svc.Snapshot(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.svc.Dismiss(ctx, "nope", "n1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.svc.MarkAllRead(ctx, "nope"), ErrSessionNotFound)
	assert.ErrorIs(t, f.svc.Close(ctx, "nope"), ErrSessionNotFound)
}

func TestCloseRemovesSession(t *testing.T) {
	f := newFixture(t, &perSession{script: map[string][]string{"c": {}}})
	ctx := context.Background()

	_, err := f.svc.Open(ctx, dto.OpenSessionRequest{SessionID: "c"})
	require.NoError(t, err)
	sess, ok := f.registry.Get("c")
	require.True(t, ok)

	require.NoError(t, f.svc.Close(ctx, "c"))
	select {
	case <-sess.Done():
	default:
		t.Fatal("Close returned before the session stopped")
	}

	_, err = f.svc.Snapshot(ctx, "c")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, f.registry.Count())
}

func TestResultWithoutScoresCompletes(t *testing.T) {
	f := newFixture(t, &perSession{script: map[string][]string{"bare": {`{"type":"result_ready"}`}}})

	_, err := f.svc.Open(context.Background(), dto.OpenSessionRequest{SessionID: "bare"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.lifecycle.find(events.TypeAnalysisCompleted)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	evt, _ := f.lifecycle.find(events.TypeAnalysisCompleted)
	assert.Equal(t, "bare", evt.Payload()["session_id"])
	assert.NotContains(t, evt.Payload(), "risk_level")

	snap, err := f.svc.Snapshot(context.Background(), "bare")
	require.NoError(t, err)
	assert.True(t, snap.Terminal)
	assert.Nil(t, snap.Risk)
}

func TestConnectionFailurePublishesEvents(t *testing.T) {
	f := newFixture(t, &perSession{})

	_, err := f.svc.Open(context.Background(), dto.OpenSessionRequest{SessionID: "offline"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, failed := f.lifecycle.find(events.TypeAnalysisFailed)
		_, lost := f.lifecycle.find(events.TypeConnectionFailed)
		return failed && lost
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := f.svc.Snapshot(context.Background(), "offline")
	require.NoError(t, err)
	assert.Equal(t, connection.StateFailed, snap.State)
	require.NotNil(t, snap.Advisory)
	assert.Equal(t, feed.KindError, snap.Advisory.Kind)
}

func TestUpdatesReachTheBus(t *testing.T) {
	f := newFixture(t, &perSession{script: map[string][]string{"bus": {voiceDone}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := f.pubSub.Subscribe(ctx, UpdatesTopic)
	require.NoError(t, err)

	_, err = f.svc.Open(context.Background(), dto.OpenSessionRequest{SessionID: "bus"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-messages:
			msg.Ack()
			assert.Equal(t, "bus", msg.Metadata.Get(MetadataSessionID))
			var snap session.Snapshot
			require.NoError(t, json.Unmarshal(msg.Payload, &snap))
			if len(snap.Notifications) > 0 {
				assert.Equal(t, "Voice analysis complete", snap.Notifications[0].Title)
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with the stage notification arrived")
		}
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	s := &telemetryService{defaults: feed.Config{MaxNotifications: 10, AutoClose: 5 * time.Second}}

	opts := s.sessionOptions(dto.OpenSessionRequest{SessionID: "x", MaxNotifications: 3, AutoCloseMs: 250})
	assert.Equal(t, 3, opts.MaxNotifications)
	assert.Equal(t, 250*time.Millisecond, opts.AutoClose)

	opts = s.sessionOptions(dto.OpenSessionRequest{SessionID: "x", AutoCloseMs: -1})
	assert.Equal(t, 10, opts.MaxNotifications)
	assert.Negative(t, int64(opts.AutoClose))
}

func TestPresentRisk(t *testing.T) {
	svc := &telemetryService{}
	view := svc.PresentRisk(context.Background(), dto.PresentRiskRequest{FusedScore: 49.9, VoiceScore: 120})
	assert.Equal(t, risk.LevelMedium, view.Level)
	assert.Equal(t, 100.0, view.VoiceScore)
}

type recordingDelivery struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingDelivery) Send(_ string, data []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, data)
	r.mu.Unlock()
}

func (r *recordingDelivery) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestUpdatesKeepPublishOrder(t *testing.T) {
	bus := NewUpdateBus(watermill.NopLogger{})
	defer bus.Close()

	delivery := &recordingDelivery{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, NewUpdateConsumer(bus, UpdatesTopic, delivery, logger.NewNopLogger()).Consume(ctx))

	svc := &telemetryService{updates: bus, logger: logger.NewNopLogger()}
	const total = 2000
	for i := 1; i <= total; i++ {
		svc.publishUpdate(session.Snapshot{SessionID: "ordered", Version: uint64(i)})
	}

	require.Eventually(t, func() bool { return delivery.count() == total }, 5*time.Second, 5*time.Millisecond)

	delivery.mu.Lock()
	defer delivery.mu.Unlock()
	var last uint64
	for _, frame := range delivery.frames {
		var msg struct {
			Data session.Snapshot `json:"data"`
		}
		require.NoError(t, json.Unmarshal(frame, &msg))
		require.Equal(t, last+1, msg.Data.Version, "snapshot delivered out of order")
		last = msg.Data.Version
	}
	assert.Equal(t, uint64(total), last)
}
