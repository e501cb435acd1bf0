package realtime

import (
	"sync"
	"sync/atomic"
)

// ListenerID identifies one registration on an Emitter.
type ListenerID uint64

type listener[T any] struct {
	id     ListenerID
	once   bool
	active atomic.Bool
	fn     func(T)
}

// Emitter is a keyed listener set. Handlers run outside the lock, in the
// goroutine that calls Emit, so they may register or remove listeners.
// A listener removed with Off is never invoked afterwards, even if an Emit
// already took its snapshot.
type Emitter[T any] struct {
	mu      sync.Mutex
	nextID  ListenerID
	byEvent map[string][]*listener[T]
	index   map[ListenerID]string
}

// NewEmitter returns an empty Emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{
		byEvent: make(map[string][]*listener[T]),
		index:   make(map[ListenerID]string),
	}
}

// On registers fn for every emission of event.
func (e *Emitter[T]) On(event string, fn func(T)) ListenerID {
	return e.add(event, fn, false)
}

// Once registers fn for one emission of event. One-shot listeners of an
// event queue in registration order: each emission is claimed by the oldest
// one still registered. The listener is removed before fn runs.
func (e *Emitter[T]) Once(event string, fn func(T)) ListenerID {
	return e.add(event, fn, true)
}

func (e *Emitter[T]) add(event string, fn func(T), once bool) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	l := &listener[T]{id: e.nextID, once: once, fn: fn}
	l.active.Store(true)
	e.byEvent[event] = append(e.byEvent[event], l)
	e.index[l.id] = event
	return l.id
}

// Off removes a listener. It reports whether the listener was still
// registered; removing an already fired one-shot listener returns false.
func (e *Emitter[T]) Off(id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(id)
}

func (e *Emitter[T]) removeLocked(id ListenerID) bool {
	event, ok := e.index[id]
	if !ok {
		return false
	}
	delete(e.index, id)

	ls := e.byEvent[event]
	for i, l := range ls {
		if l.id == id {
			l.active.Store(false)
			e.byEvent[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(e.byEvent[event]) == 0 {
		delete(e.byEvent, event)
	}
	return true
}

// Emit delivers v to every persistent listener of event and to the oldest
// one-shot listener, and returns how many ran.
func (e *Emitter[T]) Emit(event string, v T) int {
	e.mu.Lock()
	snapshot := make([]*listener[T], 0, len(e.byEvent[event]))
	var claimed *listener[T]
	for _, l := range e.byEvent[event] {
		if !l.once {
			snapshot = append(snapshot, l)
			continue
		}
		// Claim under the lock so a concurrent Emit cannot run it too.
		if claimed == nil && l.active.CompareAndSwap(true, false) {
			claimed = l
		}
	}
	if claimed != nil {
		e.removeLocked(claimed.id)
		snapshot = append(snapshot, claimed)
	}
	e.mu.Unlock()

	ran := 0
	for _, l := range snapshot {
		if !l.once && !l.active.Load() {
			continue
		}
		l.fn(v)
		ran++
	}
	return ran
}

// Count returns the number of listeners registered for event.
func (e *Emitter[T]) Count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byEvent[event])
}

// Len returns the number of listeners across all events.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.index)
}

// Clear removes every listener.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ls := range e.byEvent {
		for _, l := range ls {
			l.active.Store(false)
		}
	}
	e.byEvent = make(map[string][]*listener[T])
	e.index = make(map[ListenerID]string)
}
