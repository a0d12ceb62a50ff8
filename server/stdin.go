package server

import (
	"io"
	"sync"
	"time"
)

// ErrStdinTimeout is returned by a stdin read when the client sent no bytes before the connect timeout.
var ErrStdinTimeout error = stdinTimeoutError{}

type stdinTimeoutError struct{}

func (stdinTimeoutError) Error() string   { return "timed out waiting for stdin" }
func (stdinTimeoutError) Timeout() bool   { return true }
func (stdinTimeoutError) Temporary() bool { return true }

// stdinPipe carries STDIN chunk payloads from the connection goroutine to the handler.
//
// The connection goroutine is the only producer and the handler the only consumer.
// The buffer is bounded by the length of the first STDIN chunk; a producer that fills it blocks until the consumer drains it.
// The consumer side exists only once the handler asks for input (connect), which is what arms the connect timeout.
type stdinPipe struct {
	mu sync.Mutex
	// changed is closed and replaced on every state change, waking all waiters.
	changed chan struct{}

	buf      []byte
	capacity int

	connected bool
	deadline  time.Time
	arrived   bool

	eof    bool // producer closed
	closed bool // consumer closed
}

func newStdinPipe() *stdinPipe {
	return &stdinPipe{changed: make(chan struct{})}
}

func (p *stdinPipe) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// connect attaches the consumer. It reports false if the consumer was already attached.
// A zero timeout waits for the first byte indefinitely.
func (p *stdinPipe) connect(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return false
	}
	p.connected = true
	if timeout > 0 {
		p.deadline = time.Now().Add(timeout)
	}
	return true
}

// write appends b, blocking while the buffer is full.
// firstLen is the declared length of the first STDIN chunk and sizes the buffer on first use.
// It returns io.ErrClosedPipe once either side has closed; the unwritten bytes are dropped.
func (p *stdinPipe) write(firstLen int, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacity == 0 {
		p.capacity = firstLen
		if p.capacity < 1 {
			p.capacity = 1
		}
	}
	n := 0
	for len(b) > 0 {
		if p.closed || p.eof {
			return n, io.ErrClosedPipe
		}
		space := p.capacity - len(p.buf)
		if space <= 0 {
			ch := p.changed
			p.mu.Unlock()
			<-ch
			p.mu.Lock()
			continue
		}
		k := len(b)
		if k > space {
			k = space
		}
		p.buf = append(p.buf, b[:k]...)
		b = b[k:]
		n += k
		p.arrived = true
		p.broadcast()
	}
	return n, nil
}

// closeWrite marks the end of input. Buffered bytes are still readable.
func (p *stdinPipe) closeWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eof {
		return
	}
	p.eof = true
	p.broadcast()
}

// Read implements io.Reader for the handler.
func (p *stdinPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return 0, io.ErrClosedPipe
		}
		if len(b) == 0 {
			return 0, nil
		}
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			rem := copy(p.buf, p.buf[n:])
			p.buf = p.buf[:rem]
			p.broadcast()
			return n, nil
		}
		if p.eof {
			return 0, io.EOF
		}

		ch := p.changed
		if p.arrived || p.deadline.IsZero() {
			p.mu.Unlock()
			<-ch
			p.mu.Lock()
			continue
		}
		remaining := time.Until(p.deadline)
		if remaining <= 0 {
			return 0, ErrStdinTimeout
		}
		timer := time.NewTimer(remaining)
		p.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
		p.mu.Lock()
	}
}

// Close detaches the consumer and discards buffered input. It is safe to call more than once.
func (p *stdinPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.buf = nil
	p.broadcast()
	return nil
}
