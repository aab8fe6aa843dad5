package notify

import "sync"

// DefaultBuffer is the outbox size of a ChanSurface.
const DefaultBuffer = 64

// ChanSurface is an in-process surface backed by a buffered channel.
type ChanSurface struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// NewChanSurface returns a surface with the given buffer size.
func NewChanSurface(buffer int) *ChanSurface {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &ChanSurface{ch: make(chan Event, buffer)}
}

// Events is closed once the surface is closed.
func (c *ChanSurface) Events() <-chan Event {
	return c.ch
}

// Send implements Surface.
func (c *ChanSurface) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.ch <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops delivery and closes the channel.
func (c *ChanSurface) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
