package invalidation

import (
	"context"
	"sync"

	"github.com/quanvm/tiercache/cache"
)

// Event is a named application event carried on the bus.
type Event struct {
	Name    string
	Payload any
}

// Handler processes one event occurrence.
type Handler func(ctx context.Context, event Event)

// subscription is one registered handler. once handlers deregister
// themselves after their first completed invocation.
type subscription struct {
	id   int
	fn   Handler
	once bool
}

// Bus is the process-wide event bus. Trigger enqueues without blocking;
// a single consumer goroutine drains the queue and invokes every handler
// registered for the event's name, catching per-handler panics so one
// failing handler never starves the rest.
type Bus struct {
	queue  chan Event
	logger cache.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[string][]*subscription

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewBus creates a bus with the given queue capacity.
func NewBus(queueSize int, logger cache.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &Bus{
		queue:    make(chan Event, queueSize),
		logger:   logger,
		handlers: make(map[string][]*subscription),
		done:     make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Safe to call more than once.
func (b *Bus) Start() {
	b.once.Do(func() {
		b.wg.Add(1)
		go b.consume()
	})
}

// Stop drains nothing further: queued events not yet consumed are
// dropped, the in-flight event finishes.
func (b *Bus) Stop() {
	close(b.done)
	b.wg.Wait()
}

// On registers a handler for the named event and returns a subscription
// id for Off.
func (b *Bus) On(name string, fn Handler) int {
	return b.register(name, fn, false)
}

// Once registers a handler that deregisters itself after its first
// completed invocation.
func (b *Bus) Once(name string, fn Handler) int {
	return b.register(name, fn, true)
}

// Off removes a subscription by id.
func (b *Bus) Off(name string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[name]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[name]) == 0 {
		delete(b.handlers, name)
	}
}

// Trigger enqueues an event. It never blocks: when the queue is full the
// event is dropped with a warning and Trigger reports false.
func (b *Bus) Trigger(name string, payload any) bool {
	select {
	case b.queue <- Event{Name: name, Payload: payload}:
		return true
	default:
		b.logger.Warn("event queue full, dropping event", "event", name)
		return false
	}
}

func (b *Bus) register(name string, fn Handler, once bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[name] = append(b.handlers[name], &subscription{
		id:   b.nextID,
		fn:   fn,
		once: once,
	})
	return b.nextID
}

func (b *Bus) consume() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case event := <-b.queue:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.handlers[event.Name]...)
	b.mu.Unlock()

	ctx := context.Background()
	for _, sub := range subs {
		// once handlers stay registered until an invocation completes.
		if b.invoke(ctx, event, sub) && sub.once {
			b.Off(event.Name, sub.id)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, event Event, sub *subscription) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.logger.Error("event handler panicked", "event", event.Name, "panic", r)
		}
	}()
	sub.fn(ctx, event)
	return true
}
