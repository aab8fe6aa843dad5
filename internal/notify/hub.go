// Package notify pushes state changes to every open surface.
//
// Delivery is best effort. A surface that fails is dropped without affecting
// the others, and surfaces are expected to pull fresh state when they open
// rather than rely on having seen every event.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBackpressure is returned by a surface whose outbox is full. The event
// is lost for that surface but the surface stays registered.
var ErrBackpressure = errors.New("surface outbox full")

// ErrClosed is returned by a surface that has gone away.
var ErrClosed = errors.New("surface closed")

// Surface receives events. Send must not block.
type Surface interface {
	Send(Event) error
}

// Recorder persists events for diagnostics.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Publisher is what components depend on to announce changes.
type Publisher interface {
	Publish(ctx context.Context, typ Type, subject string, data any)
}

// Hub fans events out to registered surfaces.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	surfaces map[uint64]Surface
	next     uint64
	recorder Recorder
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		surfaces: make(map[uint64]Surface),
	}
}

// SetRecorder installs r. Passing nil disables recording.
func (h *Hub) SetRecorder(r Recorder) {
	h.mu.Lock()
	h.recorder = r
	h.mu.Unlock()
}

// Register adds s and returns a function that removes it. The function is
// safe to call more than once.
func (h *Hub) Register(s Surface) (unregister func()) {
	h.mu.Lock()
	h.next++
	id := h.next
	h.surfaces[id] = s
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

// Count returns the number of registered surfaces.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.surfaces)
}

// NotifyAll delivers ev to every surface and returns how many accepted it.
// Surfaces that fail with anything other than ErrBackpressure are removed.
func (h *Hub) NotifyAll(ctx context.Context, ev Event) int {
	h.mu.RLock()
	targets := make(map[uint64]Surface, len(h.surfaces))
	for id, s := range h.surfaces {
		targets[id] = s
	}
	recorder := h.recorder
	h.mu.RUnlock()

	delivered := 0
	for id, s := range targets {
		err := safeSend(s, ev)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrBackpressure):
			h.logger.Debug("surface lagging, event dropped", "type", ev.Type)
		default:
			h.logger.Debug("dropping surface", "type", ev.Type, "error", err)
			h.remove(id)
		}
	}

	if recorder != nil {
		if err := recorder.Record(ctx, ev); err != nil {
			h.logger.Warn("record event failed", "type", ev.Type, "error", err)
		}
	}
	return delivered
}

// Publish implements Publisher.
func (h *Hub) Publish(ctx context.Context, typ Type, subject string, data any) {
	ev, err := NewEvent(typ, subject, data)
	if err != nil {
		h.logger.Error("build event", "type", typ, "error", err)
		return
	}
	h.NotifyAll(ctx, ev)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	s, ok := h.surfaces[id]
	delete(h.surfaces, id)
	h.mu.Unlock()

	if c, isCloser := s.(interface{ Close() error }); ok && isCloser {
		_ = c.Close()
	}
}

// safeSend keeps a misbehaving surface from taking the broadcaster down.
func safeSend(s Surface, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrClosed
		}
	}()
	return s.Send(ev)
}
