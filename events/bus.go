// Package events provides a lightweight pub/sub event bus for observing the
// client runtime: connection lifecycle, camera and frame activity, request
// progress, and credential state changes.
package events

import "sync"

// Listener is a function that handles events.
type Listener func(*Event)

// Bus manages event distribution to listeners.
//
// Delivery ordering: listeners for a single Publish call are invoked in
// registration order, type-specific listeners before global ones. The
// default asynchronous bus fans each Publish out on its own goroutine, so
// delivery order across publishes is unspecified; a synchronous bus delivers
// inline, which makes state-machine behavior testable with a deterministic
// event sequence.
type Bus struct {
	mu              sync.RWMutex
	listeners       map[EventType][]Listener
	globalListeners []Listener
	synchronous     bool
	wg              sync.WaitGroup
}

// NewBus creates an asynchronous event bus. Each Publish call fans out to
// listeners on a dedicated goroutine so publishers are never blocked by slow
// listeners.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[EventType][]Listener),
	}
}

// NewSyncBus creates a bus that invokes listeners inline from Publish.
// Intended for tests that need deterministic delivery.
func NewSyncBus() *Bus {
	return &Bus{
		listeners:   make(map[EventType][]Listener),
		synchronous: true,
	}
}

// Subscribe registers a listener for a specific event type.
func (b *Bus) Subscribe(eventType EventType, listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], listener)
}

// SubscribeAll registers a listener for all event types.
func (b *Bus) SubscribeAll(listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalListeners = append(b.globalListeners, listener)
}

// Publish sends an event to all registered listeners.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	typeListeners := b.listeners[event.Type]

	specificListeners := make([]Listener, len(typeListeners))
	copy(specificListeners, typeListeners)

	globalListeners := make([]Listener, len(b.globalListeners))
	copy(globalListeners, b.globalListeners)
	b.mu.RUnlock()

	deliver := func() {
		for _, listener := range specificListeners {
			safeInvoke(listener, event)
		}
		for _, listener := range globalListeners {
			safeInvoke(listener, event)
		}
	}

	if b.synchronous {
		deliver()
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		deliver()
	}()
}

// Wait blocks until all in-flight asynchronous deliveries complete.
// Primarily for tests and orderly shutdown.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Clear removes all listeners (primarily for tests).
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[EventType][]Listener)
	b.globalListeners = nil
}

func safeInvoke(listener Listener, event *Event) {
	defer func() { _ = recover() }()
	listener(event)
}
