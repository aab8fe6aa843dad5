// Package router is the single entry point surfaces use to talk to the
// daemon. Every message gets exactly one response; handler failures and
// panics become error-shaped responses.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/Dicklesworthstone/clipagent/internal/apierr"
)

// Message is a typed request from a surface.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the reply to one Message. Exactly one of Data and Error is
// meaningful, selected by OK.
type Response struct {
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *apierr.Error `json:"error,omitempty"`
}

// HandlerFunc handles one message type.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Router dispatches messages by type.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New returns an empty router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for typ, replacing any previous handler.
func (r *Router) Handle(typ string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// Types lists the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for msg and converts its outcome into a
// Response. It never panics.
func (r *Router) Dispatch(ctx context.Context, msg Message) (resp Response) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("unknown message", "type", msg.Type)
		return Fail(apierr.Newf(apierr.KindUnknownMessage, "unknown message type %q", msg.Type))
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked",
				"type", msg.Type,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
			resp = Fail(apierr.Newf(apierr.KindInternal, "handler for %s failed", msg.Type))
		}
	}()

	data, err := h(ctx, msg.Payload)
	if err != nil {
		e := apierr.From(err)
		r.logger.Debug("message failed", "type", msg.Type, "kind", e.Kind, "error", err)
		return Fail(e)
	}
	r.logger.Debug("message handled", "type", msg.Type, "duration", time.Since(start).Round(time.Microsecond))
	return Response{OK: true, Data: data}
}

// Fail wraps err in an error response.
func Fail(err error) Response {
	return Response{OK: false, Error: apierr.From(err)}
}

// Decode unmarshals a payload into dst. An empty payload leaves dst as is.
func Decode(payload json.RawMessage, dst any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, err, "malformed payload")
	}
	return nil
}
