// internal/eventbus/bus.go
package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"librarium/internal/logging"
)

// ErrorEvent is the reserved event name used to report listener failures.
// Listeners subscribed to it receive (error, originalEventName) as arguments.
const ErrorEvent = "error"

// DefaultMaxListeners is the per-event cap on durable listeners.
const DefaultMaxListeners = 100

// Listener handles a published event. A non-nil return value is treated the
// same way as a panic inside the listener: it is isolated, logged, and
// reported through the "error" event without affecting other listeners.
type Listener func(args ...any) error

type entry struct {
	fn  Listener
	key uintptr
}

// Bus is an in-process publish/subscribe dispatcher with durable and
// one-shot subscriptions. All methods are safe for concurrent use. The bus
// has no persistence and never retries: it is pure process-local fan-out.
type Bus struct {
	mu           sync.Mutex
	durable      map[string][]entry
	oneShot      map[string][]entry
	maxListeners int
	logger       logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for cap warnings and listener failures.
func WithLogger(logger logging.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		durable:      make(map[string][]entry),
		oneShot:      make(map[string][]entry),
		maxListeners: DefaultMaxListeners,
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func listenerKey(fn Listener) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// On registers a durable listener for event. Registration order is the
// invocation order. Once the per-event cap is reached the registration is
// dropped with a warning. Returns the bus for chaining.
func (b *Bus) On(event string, fn Listener) *Bus {
	if fn == nil {
		return b
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.durable[event]) >= b.maxListeners {
		b.logger.Warn("eventbus: listener cap (%d) reached for %q, listener dropped", b.maxListeners, event)
		return b
	}
	b.durable[event] = append(b.durable[event], entry{fn: fn, key: listenerKey(fn)})
	return b
}

// Once registers a listener that fires at most once. It is removed from the
// registry before invocation, so re-subscribing from inside the callback
// does not re-fire it within the same emit pass.
func (b *Bus) Once(event string, fn Listener) *Bus {
	if fn == nil {
		return b
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.oneShot[event]) >= b.maxListeners {
		b.logger.Warn("eventbus: one-shot listener cap (%d) reached for %q, listener dropped", b.maxListeners, event)
		return b
	}
	b.oneShot[event] = append(b.oneShot[event], entry{fn: fn, key: listenerKey(fn)})
	return b
}

// Off removes fn from both the durable and one-shot lists for event.
// Identity is by function reference. Passing nil clears every listener
// registered for the event.
func (b *Bus) Off(event string, fn Listener) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fn == nil {
		delete(b.durable, event)
		delete(b.oneShot, event)
		return b
	}

	key := listenerKey(fn)
	b.durable[event] = removeByKey(b.durable[event], key)
	b.oneShot[event] = removeByKey(b.oneShot[event], key)
	if len(b.durable[event]) == 0 {
		delete(b.durable, event)
	}
	if len(b.oneShot[event]) == 0 {
		delete(b.oneShot, event)
	}
	return b
}

func removeByKey(entries []entry, key uintptr) []entry {
	out := entries[:0]
	for _, e := range entries {
		if e.key != key {
			out = append(out, e)
		}
	}
	return out
}

// Emit synchronously invokes every durable listener in registration order,
// then every one-shot listener. One-shot listeners are unregistered before
// they run. Reports whether at least one listener was invoked.
//
// A listener that fails (error return or panic) is isolated: the failure is
// logged, reported via the "error" event, and the remaining listeners still
// run. Emit never panics and never surfaces listener failures to its caller.
func (b *Bus) Emit(event string, args ...any) bool {
	b.mu.Lock()
	listeners := make([]entry, 0, len(b.durable[event])+len(b.oneShot[event]))
	listeners = append(listeners, b.durable[event]...)
	if shots := b.oneShot[event]; len(shots) > 0 {
		listeners = append(listeners, shots...)
		delete(b.oneShot, event)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		if err := b.invoke(l.fn, args); err != nil {
			b.reportListenerError(event, err)
		}
	}
	return len(listeners) > 0
}

// EmitAsync resolves listeners the same way Emit does but runs them
// concurrently and waits for all of them to finish. Every listener is
// invoked even when earlier ones fail; the accumulated failures are joined
// and returned afterwards.
func (b *Bus) EmitAsync(event string, args ...any) error {
	b.mu.Lock()
	listeners := make([]entry, 0, len(b.durable[event])+len(b.oneShot[event]))
	listeners = append(listeners, b.durable[event]...)
	if shots := b.oneShot[event]; len(shots) > 0 {
		listeners = append(listeners, shots...)
		delete(b.oneShot, event)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(listeners))
	for i, l := range listeners {
		wg.Add(1)
		go func(i int, fn Listener) {
			defer wg.Done()
			errs[i] = b.invoke(fn, args)
		}(i, l.fn)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// invoke runs a single listener, converting panics into errors.
func (b *Bus) invoke(fn Listener, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(args...)
}

// reportListenerError logs a listener failure and fans it out to "error"
// listeners. A failure raised by an "error" listener itself is logged only,
// which keeps a misbehaving error listener from looping while unrelated
// failures on other events still reach the fan-out.
func (b *Bus) reportListenerError(event string, err error) {
	b.logger.Error("eventbus: listener for %q failed: %v", event, err)
	if event == ErrorEvent {
		return
	}
	b.Emit(ErrorEvent, err, event)
}

// ListenerCount reports the number of listeners (durable and one-shot)
// registered for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.durable[event]) + len(b.oneShot[event])
}

// Listeners returns a copy of the durable listeners registered for event.
func (b *Bus) Listeners(event string) []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Listener, 0, len(b.durable[event]))
	for _, e := range b.durable[event] {
		out = append(out, e.fn)
	}
	return out
}

// EventNames returns the sorted set of event names with at least one listener.
func (b *Bus) EventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{}, len(b.durable)+len(b.oneShot))
	for name := range b.durable {
		seen[name] = struct{}{}
	}
	for name := range b.oneShot {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveAllListeners clears every registration on the bus.
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.durable = make(map[string][]entry)
	b.oneShot = make(map[string][]entry)
}

// SetMaxListeners adjusts the per-event cap. Values below one are ignored.
func (b *Bus) SetMaxListeners(n int) {
	if n < 1 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxListeners = n
}

// Namespace returns a view of the bus that transparently prefixes every
// event name with prefix + ".". The view shares the parent registry, so
// listeners registered through it are visible to the parent under the
// prefixed name.
func (b *Bus) Namespace(prefix string) *Namespace {
	return &Namespace{bus: b, prefix: prefix + "."}
}

// Namespace is a bound sub-bus produced by Bus.Namespace.
type Namespace struct {
	bus    *Bus
	prefix string
}

// On registers a durable listener under the namespaced event name.
func (n *Namespace) On(event string, fn Listener) *Namespace {
	n.bus.On(n.prefix+event, fn)
	return n
}

// Once registers a one-shot listener under the namespaced event name.
func (n *Namespace) Once(event string, fn Listener) *Namespace {
	n.bus.Once(n.prefix+event, fn)
	return n
}

// Off removes listeners under the namespaced event name.
func (n *Namespace) Off(event string, fn Listener) *Namespace {
	n.bus.Off(n.prefix+event, fn)
	return n
}

// Emit publishes under the namespaced event name.
func (n *Namespace) Emit(event string, args ...any) bool {
	return n.bus.Emit(n.prefix+event, args...)
}

// EmitAsync publishes under the namespaced event name, waiting for all
// listeners to settle.
func (n *Namespace) EmitAsync(event string, args ...any) error {
	return n.bus.EmitAsync(n.prefix+event, args...)
}

// Namespace nests a further prefix under this one.
func (n *Namespace) Namespace(prefix string) *Namespace {
	return &Namespace{bus: n.bus, prefix: n.prefix + prefix + "."}
}
