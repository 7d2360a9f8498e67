package bridge

import (
	"sync"
	"time"
)

type chunk struct {
	data []byte
	gen  uint64
}

// pacer plays µ-law chunks to the caller roughly in real time: it sends one
// chunk and then waits for that chunk's playback duration. Clear discards
// everything queued and bumps the generation so an in-flight chunk is not
// sent either.
type pacer struct {
	send      func([]byte) error
	chunkSize int           // bytes per chunk
	byteDur   time.Duration // playback time of one byte

	mu      sync.Mutex
	queue   []chunk
	gen     uint64
	sending bool
	stopped bool

	wake     chan struct{}
	idle     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

func newPacer(send func([]byte) error, chunk time.Duration) *pacer {
	p := &pacer{
		send:      send,
		chunkSize: int(chunk / (time.Second / 8000)),
		byteDur:   time.Second / 8000,
		wake:      make(chan struct{}, 1),
		idle:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	if p.chunkSize <= 0 {
		p.chunkSize = 160
	}
	go p.loop()
	return p
}

// Enqueue splits ulaw into chunks behind anything already queued.
func (p *pacer) Enqueue(ulaw []byte) int {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return 0
	}
	n := 0
	for off := 0; off < len(ulaw); off += p.chunkSize {
		end := off + p.chunkSize
		if end > len(ulaw) {
			end = len(ulaw)
		}
		data := make([]byte, end-off)
		copy(data, ulaw[off:end])
		p.queue = append(p.queue, chunk{data: data, gen: p.gen})
		n++
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return n
}

// Clear drops queued audio and returns how many chunks were discarded.
func (p *pacer) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	p.queue = nil
	p.gen++
	return n
}

// Busy reports whether audio is queued or playing.
func (p *pacer) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sending || len(p.queue) > 0
}

// Idle receives a signal each time the pacer runs out of audio. Signals
// may be stale; callers re-check Busy.
func (p *pacer) Idle() <-chan struct{} {
	return p.idle
}

// Stop ends playback immediately. Nothing is sent after Stop returns.
func (p *pacer) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.queue = nil
		p.mu.Unlock()
		close(p.done)
		<-p.exited
	})
}

func (p *pacer) next() (chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || len(p.queue) == 0 {
		p.sending = false
		return chunk{}, false
	}
	c := p.queue[0]
	p.queue = p.queue[1:]
	p.sending = true
	return c, true
}

func (p *pacer) loop() {
	defer close(p.exited)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		c, ok := p.next()
		if !ok {
			select {
			case p.idle <- struct{}{}:
			default:
			}
			select {
			case <-p.wake:
				continue
			case <-p.done:
				return
			}
		}

		p.mu.Lock()
		current := c.gen == p.gen && !p.stopped
		if current {
			// Sent under the lock so Stop and Clear cannot interleave.
			_ = p.send(c.data)
		}
		p.mu.Unlock()
		if !current {
			continue
		}

		timer.Reset(time.Duration(len(c.data)) * p.byteDur)
		select {
		case <-timer.C:
		case <-p.done:
			timer.Stop()
			return
		}
	}
}
