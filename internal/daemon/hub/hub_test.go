package hub

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Subscriber) string {
	var b strings.Builder
	for chunk := range s.C() {
		b.Write(chunk)
	}
	return b.String()
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	var tee bytes.Buffer
	h := New(Options{Tee: &tee})

	a, err := h.Subscribe()
	require.NoError(t, err)
	b, err := h.Subscribe()
	require.NoError(t, err)

	h.Broadcast([]byte("login: "))
	h.Broadcast([]byte("root\n"))
	h.Close()

	assert.Equal(t, "login: root\n", drain(a))
	assert.Equal(t, "login: root\n", drain(b))
	assert.Equal(t, "login: root\n", tee.String())
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	h := New(Options{})
	h.Broadcast([]byte("before"))

	s, err := h.Subscribe()
	require.NoError(t, err)
	h.Broadcast([]byte("after"))
	h.Close()

	assert.Equal(t, "after", drain(s))
}

func TestBroadcastCopiesChunk(t *testing.T) {
	h := New(Options{})
	s, err := h.Subscribe()
	require.NoError(t, err)

	buf := []byte("abc")
	h.Broadcast(buf)
	buf[0] = 'X'
	h.Close()

	assert.Equal(t, "abc", drain(s))
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	h := New(Options{QueueSize: 2})

	slow, err := h.Subscribe()
	require.NoError(t, err)
	fast, err := h.Subscribe()
	require.NoError(t, err)

	var got strings.Builder
	for _, c := range []string{"1", "2", "3", "4"} {
		h.Broadcast([]byte(c))
		got.Write(<-fast.C())
	}

	assert.True(t, h.Evicted(slow))
	assert.False(t, h.Evicted(fast))
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, "12", drain(slow), "an evicted subscriber keeps what was queued, then its channel closes")
	assert.Equal(t, "1234", got.String())
	h.Close()
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := New(Options{})
	s, err := h.Subscribe()
	require.NoError(t, err)

	h.Unsubscribe(s)
	h.Unsubscribe(s)
	h.Close()
	h.Unsubscribe(s)

	_, ok := <-s.C()
	assert.False(t, ok)
}

func TestSubscribeAfterClose(t *testing.T) {
	h := New(Options{})
	h.Close()
	h.Close()
	_, err := h.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, string(p))
	return len(p), nil
}

func TestInputIsMergedWithoutInterleaving(t *testing.T) {
	h := New(Options{})
	_, err := h.Write([]byte("early"))
	assert.ErrorIs(t, err, ErrNoInput)

	rec := &chunkRecorder{}
	h.SetInput(rec)

	var wg sync.WaitGroup
	for _, client := range []string{"aaaa", "bbbb", "cccc"} {
		wg.Add(1)
		go func(payload string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = h.Write([]byte(payload))
			}
		}(client)
	}
	wg.Wait()

	require.Len(t, rec.chunks, 150)
	counts := map[string]int{}
	for _, c := range rec.chunks {
		counts[c]++
	}
	assert.Equal(t, map[string]int{"aaaa": 50, "bbbb": 50, "cccc": 50}, counts)
}

func TestPumpStopsAtEOF(t *testing.T) {
	var tee bytes.Buffer
	h := New(Options{Tee: &tee})
	s, err := h.Subscribe()
	require.NoError(t, err)

	require.NoError(t, h.Pump(strings.NewReader("boot ok\n")))
	h.Close()

	assert.Equal(t, "boot ok\n", drain(s))
	assert.Equal(t, "boot ok\n", tee.String())
}
