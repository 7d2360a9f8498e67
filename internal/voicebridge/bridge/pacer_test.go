package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *sink) send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, b)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func TestPacerChunksAndPaces(t *testing.T) {
	s := &sink{}
	p := newPacer(s.send, 20*time.Millisecond)
	defer p.Stop()

	start := time.Now()
	assert.Equal(t, 3, p.Enqueue(make([]byte, 400)))
	assert.True(t, p.Busy())

	require.Eventually(t, func() bool { return !p.Busy() }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.chunks, 3)
	assert.Len(t, s.chunks[0], 160)
	assert.Len(t, s.chunks[2], 80)
}

func TestPacerClearDiscardsQueue(t *testing.T) {
	s := &sink{}
	p := newPacer(s.send, 20*time.Millisecond)
	defer p.Stop()

	p.Enqueue(make([]byte, 160*50))
	require.Eventually(t, func() bool { return s.count() > 0 }, time.Second, time.Millisecond)

	assert.Greater(t, p.Clear(), 0)
	time.Sleep(60 * time.Millisecond)
	sent := s.count()
	assert.LessOrEqual(t, sent, 3)
	assert.False(t, p.Busy())

	p.Enqueue(make([]byte, 160))
	require.Eventually(t, func() bool { return s.count() == sent+1 }, time.Second, time.Millisecond)
}

func TestPacerIdleSignal(t *testing.T) {
	p := newPacer((&sink{}).send, 10*time.Millisecond)
	defer p.Stop()

	p.Enqueue(make([]byte, 80))
	require.Eventually(t, func() bool {
		select {
		case <-p.Idle():
			return !p.Busy()
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestPacerStop(t *testing.T) {
	s := &sink{}
	p := newPacer(s.send, 20*time.Millisecond)
	p.Enqueue(make([]byte, 1600))
	p.Stop()
	p.Stop()

	sent := s.count()
	assert.Zero(t, p.Enqueue(make([]byte, 160)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sent, s.count())
}
