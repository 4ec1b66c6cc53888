package lifecycle

import "sync"

// Handler receives an event payload.
type Handler func(payload any)

// Emitter is a per-instance observer registry. Every On call returns an
// unsubscribe function; handlers run synchronously in no particular order and
// panics in user callbacks are swallowed so one bad listener cannot take down
// a monitor loop.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[int]Handler)}
}

// On registers a handler for an event and returns its unsubscribe function.
func (e *Emitter) On(event string, h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]Handler)
	}
	id := e.nextID
	e.nextID++
	e.handlers[event][id] = h

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[event], id)
	}
}

// Emit invokes all handlers registered for the event.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	hs := make([]Handler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() { recover() }()
			h(payload)
		}()
	}
}

// RemoveAll drops every registered handler.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string]map[int]Handler)
}
