package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"media-forensics-telemetry/pkg/connection"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	reg := NewRegistry(time.Hour)
	s := openSession(t, &scriptedTransport{conns: []*pipeConn{newPipeConn()}}, Options{SessionID: "s1"})

	require.NoError(t, reg.Add(s))
	assert.Error(t, reg.Add(s))

	got, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, reg.Count())

	assert.True(t, reg.Remove("s1"))
	_, ok = reg.Get("s1")
	assert.False(t, ok)
	assert.False(t, reg.Remove("s1"))

	select {
	case <-s.Done():
	default:
		t.Fatal("Remove returned before the session closed")
	}
}

func TestRegistryRefreshDoesNotReviveRemovedSession(t *testing.T) {
	reg := NewRegistry(time.Hour)
	s := openSession(t, &scriptedTransport{conns: []*pipeConn{newPipeConn()}}, Options{SessionID: "s1"})
	require.NoError(t, reg.Add(s))

	got, ok := reg.Get("s1")
	require.True(t, ok)
	require.True(t, reg.Remove("s1"))

	// A lookup that found the session just before Remove ran now refreshes it.
	assert.False(t, reg.refresh("s1", got))
	_, ok = reg.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistryConcurrentGetAndRemove(t *testing.T) {
	reg := NewRegistry(time.Hour)
	for i := 0; i < 50; i++ {
		s := openSession(t, &scriptedTransport{conns: []*pipeConn{newPipeConn()}}, Options{SessionID: "race"})
		require.NoError(t, reg.Add(s))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Get("race")
		}()
		go func() {
			defer wg.Done()
			reg.Remove("race")
		}()
		wg.Wait()

		_, ok := reg.Get("race")
		require.False(t, ok, "session came back after Remove (iteration %d)", i)
		<-s.Done()
	}
}

// ctxTransport records the context of every dial.
type ctxTransport struct {
	mu   sync.Mutex
	ctxs []context.Context
}

func (t *ctxTransport) Dial(ctx context.Context, _ string) (connection.Conn, error) {
	t.mu.Lock()
	t.ctxs = append(t.ctxs, ctx)
	t.mu.Unlock()
	return newPipeConn(), nil
}

func (t *ctxTransport) first() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ctxs) == 0 {
		return nil
	}
	return t.ctxs[0]
}

func TestRegistryEvictionEndsDialContext(t *testing.T) {
	reg := NewRegistry(30 * time.Millisecond)
	tr := &ctxTransport{}
	s := openSession(t, tr, Options{SessionID: "idle"})
	require.NoError(t, reg.Add(s))
	require.Eventually(t, func() bool { return tr.first() != nil }, time.Second, time.Millisecond)

	select {
	case <-tr.first().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("evicted session kept its dial context alive")
	}
	_, ok := connection.HandleID(tr.first())
	assert.True(t, ok)
}

func TestRegistryEvictsIdleSessions(t *testing.T) {
	reg := NewRegistry(30 * time.Millisecond)
	s := openSession(t, &scriptedTransport{conns: []*pipeConn{newPipeConn()}}, Options{SessionID: "idle"})
	require.NoError(t, reg.Add(s))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not evicted")
	}
	assert.Equal(t, 0, reg.Count())
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry(time.Hour)
	a := openSession(t, &scriptedTransport{conns: []*pipeConn{newPipeConn()}}, Options{SessionID: "a"})
	b := openSession(t, &scriptedTransport{conns: []*pipeConn{newPipeConn()}}, Options{SessionID: "b"})
	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))

	tr := &ctxTransport{}
	c := openSession(t, tr, Options{SessionID: "c"})
	require.NoError(t, reg.Add(c))
	require.Eventually(t, func() bool { return tr.first() != nil }, time.Second, time.Millisecond)

	reg.CloseAll()

	assert.Equal(t, 0, reg.Count())
	<-a.Done()
	<-b.Done()
	<-c.Done()
	assert.Error(t, tr.first().Err(), "CloseAll ends the dial context")
}
