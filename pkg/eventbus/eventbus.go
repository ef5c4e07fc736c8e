// Package eventbus implements a typed event bus and listen/once
// message-dispatch semantics: synchronous, FIFO per-listener delivery, and
// once-handlers that are removed before they run so a second call always
// misses.
package eventbus

import "sync"

// Name is an event-bus topic identifier — one of a set of fixed lifecycle
// names, or a user-registered MESSAGE type.
type Name string

// Handler receives one event payload. Panics inside a Handler are
// recovered by Bus.Emit so one bad listener cannot take down the dispatch
// loop.
type Handler func(payload any)

// Bus is a synchronous, mutex-guarded pub/sub table. All state lives on
// the owning Node instance; two Bus values never share memory.
type Bus struct {
	mu        sync.Mutex
	listeners map[Name][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[Name][]Handler)}
}

// Listen registers h to run, in order, for every future Emit(name, ...).
func (b *Bus) Listen(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = append(b.listeners[name], h)
}

// Unlisten removes every handler registered for name.
func (b *Bus) Unlisten(name Name) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, name)
}

// Emit delivers payload to every listener registered for name, in
// registration order, synchronously on the calling goroutine.
func (b *Bus) Emit(name Name, payload any) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.listeners[name]...)
	b.mu.Unlock()

	for _, h := range handlers {
		invoke(h, payload)
	}
}

func invoke(h Handler, payload any) {
	defer func() { _ = recover() }()
	h(payload)
}

// MessageResult is what a registered message handler returns to become the
// "data" field of a MESSAGE response envelope.
type MessageResult struct {
	Data any
	Err  error
}

// MessageHandler answers one user MESSAGE call.
type MessageHandler func(payload any) MessageResult

// Dispatcher implements the MESSAGE protocol method's handler tables:
// listen_once handlers take precedence over listen handlers and are
// removed on first match, before invocation, so a concurrent second call
// during the first's execution still misses.
type Dispatcher struct {
	mu   sync.Mutex
	once map[string]MessageHandler
	on   map[string]MessageHandler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		once: make(map[string]MessageHandler),
		on:   make(map[string]MessageHandler),
	}
}

// ListenOn registers a persistent handler for msgType, replacing any
// previous persistent handler for the same type.
func (d *Dispatcher) ListenOn(msgType string, h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on[msgType] = h
}

// ListenOnce registers a handler that fires at most once for msgType.
func (d *Dispatcher) ListenOnce(msgType string, h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.once[msgType] = h
}

// UnlistenOn removes the persistent handler for msgType, if any.
func (d *Dispatcher) UnlistenOn(msgType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.on, msgType)
}

// Dispatch resolves and invokes the handler for msgType. ok is false when
// no handler (once or persistent) is registered, in which case the caller
// must respond UNKNOWN_MESSAGE_TYPE.
func (d *Dispatcher) Dispatch(msgType string, payload any) (result MessageResult, ok bool) {
	d.mu.Lock()
	h, isOnce := d.once[msgType]
	if isOnce {
		delete(d.once, msgType)
	} else {
		h, ok = d.on[msgType]
	}
	d.mu.Unlock()

	if isOnce {
		return safeInvoke(h, payload), true
	}
	if !ok {
		return MessageResult{}, false
	}
	return safeInvoke(h, payload), true
}

func safeInvoke(h MessageHandler, payload any) (result MessageResult) {
	defer func() {
		if r := recover(); r != nil {
			result = MessageResult{Err: panicToError(r)}
		}
	}()
	return h(payload)
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{r}
}

type panicError struct{ v any }

func (p *panicError) Error() string { return "message handler panicked" }
