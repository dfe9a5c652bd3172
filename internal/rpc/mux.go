package rpc

import (
	"context"
	"sort"
	"sync"
)

// Request is one inbound call. Session is only valid for the duration of the
// handler.
type Request struct {
	Method  string
	Payload []byte
	// OneWay is set for notifications; the handler's result is discarded.
	OneWay  bool
	Session *Session
}

// HandlerFunc answers a request. A non-nil error becomes a failed response
// classified by domain.KindOf.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

// Mux routes requests by method name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Respond registers h for method, replacing any earlier handler.
func (m *Mux) Respond(method string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// Methods lists the registered method names.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) lookup(method string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[method]
	return h, ok
}
