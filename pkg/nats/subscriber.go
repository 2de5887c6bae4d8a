package nats

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"media-forensics-telemetry/pkg/connection"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// AnalysisStream carries raw analysis frames on analysis.<session>.events.
const AnalysisStream = "ANALYSIS_EVENTS"

// SessionSubject is the subject the analysis service publishes a session's frames to.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("analysis.%s.events", sessionID)
}

// Subscriber reads per-session analysis frames from JetStream. It implements
// connection.Transport as an alternative to the websocket transport.
type Subscriber struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	lastSeq map[uint64]uint64
}

// NewSubscriber creates a new NATS subscriber and makes sure the analysis stream exists.
func NewSubscriber(url string) (*Subscriber, error) {
	nc, err := connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      AnalysisStream,
		Subjects:  []string{"analysis.*.events"},
		Storage:   jetstream.MemoryStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
	})
	if err != nil {
		log.Printf("Warn: Failed to ensure stream '%s': %v", AnalysisStream, err)
	}

	return &Subscriber{nc: nc, js: js, lastSeq: make(map[uint64]uint64)}, nil
}

// Dial opens an ordered consumer over the session's subject. A redial of the same
// connection handle resumes after the last stream sequence that handle already read.
// The position lives as long as the handle's context, so a reopened session starts
// from the beginning of its subject.
func (s *Subscriber) Dial(ctx context.Context, sessionID string) (connection.Conn, error) {
	if s.nc.IsClosed() {
		return nil, fmt.Errorf("nats connection closed")
	}
	handle, tracked := connection.HandleID(ctx)
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{SessionSubject(sessionID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if tracked {
		if seq := s.resumeFrom(ctx, handle); seq > 0 {
			cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			cfg.OptStartSeq = seq
		}
	}
	consumer, err := s.js.OrderedConsumer(ctx, AnalysisStream, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ordered consumer for %s: %w", sessionID, err)
	}

	it, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", sessionID, err)
	}
	return &streamConn{it: it, handle: handle, tracked: tracked, sub: s}, nil
}

// resumeFrom returns the start sequence for a handle's next dial, zero meaning from
// the start. The first call for a handle registers it and arranges for its position
// to be dropped when ctx ends.
func (s *Subscriber) resumeFrom(ctx context.Context, handle uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.lastSeq[handle]; ok {
		if seq == 0 {
			return 0
		}
		return seq + 1
	}
	if ctx.Err() != nil {
		return 0
	}
	s.lastSeq[handle] = 0
	context.AfterFunc(ctx, func() { s.drop(handle) })
	return 0
}

// record stores seq for a handle that is still registered.
func (s *Subscriber) record(handle uint64, seq uint64) {
	s.mu.Lock()
	if _, ok := s.lastSeq[handle]; ok {
		s.lastSeq[handle] = seq
	}
	s.mu.Unlock()
}

func (s *Subscriber) drop(handle uint64) {
	s.mu.Lock()
	delete(s.lastSeq, handle)
	s.mu.Unlock()
}

func (s *Subscriber) tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lastSeq)
}

// Close closes the connection.
func (s *Subscriber) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

type streamConn struct {
	it      jetstream.MessagesContext
	handle  uint64
	tracked bool
	sub     *Subscriber
	once    sync.Once
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	msg, err := c.it.Next()
	if err != nil {
		return nil, err
	}
	if c.tracked {
		if meta, err := msg.Metadata(); err == nil {
			c.sub.record(c.handle, meta.Sequence.Stream)
		}
	}
	return msg.Data(), nil
}

func (c *streamConn) Close() error {
	c.once.Do(c.it.Stop)
	return nil
}
