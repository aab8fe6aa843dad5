// Package signals turns process signals into daemon actions.
//
//	SIGHUP           reload the configuration file
//	SIGUSR1          log a state dump
//	SIGINT, SIGTERM  shut down
package signals

import (
	"os"
	"os/signal"
	"sync"
)

// Handler delivers signals on per-purpose channels. Reload and Dump
// events coalesce: if one is already pending, another is dropped.
type Handler struct {
	sigCh    chan os.Signal
	reload   chan struct{}
	dump     chan struct{}
	shutdown chan os.Signal

	once sync.Once
	done chan struct{}
}

// New starts listening for signals.
func New() (*Handler, error) {
	h := &Handler{
		sigCh:    make(chan os.Signal, 4),
		reload:   make(chan struct{}, 1),
		dump:     make(chan struct{}, 1),
		shutdown: make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}
	signal.Notify(h.sigCh, watched...)
	go h.loop()
	return h, nil
}

// Reload fires on SIGHUP.
func (h *Handler) Reload() <-chan struct{} { return h.reload }

// Dump fires on SIGUSR1.
func (h *Handler) Dump() <-chan struct{} { return h.dump }

// Shutdown delivers the terminating signal.
func (h *Handler) Shutdown() <-chan os.Signal { return h.shutdown }

// Close stops signal delivery.
func (h *Handler) Close() error {
	h.once.Do(func() {
		signal.Stop(h.sigCh)
		close(h.done)
	})
	return nil
}

func (h *Handler) loop() {
	for {
		select {
		case <-h.done:
			return
		case sig := <-h.sigCh:
			h.dispatch(sig)
		}
	}
}

func (h *Handler) dispatch(sig os.Signal) {
	switch {
	case isReload(sig):
		notify(h.reload)
	case isDump(sig):
		notify(h.dump)
	default:
		select {
		case h.shutdown <- sig:
		default:
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
