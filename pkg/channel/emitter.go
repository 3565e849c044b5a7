package channel

import (
	"encoding/json"
	"sync"
)

type listener struct {
	id    ListenerID
	event string
	fn    Listener
	once  bool
}

// Emitter is a listener registry keyed by event name. Listeners are invoked outside the lock,
// in registration order. A listener removed while a dispatch is in progress is not invoked.
type Emitter struct {
	mu        sync.Mutex
	nextID    ListenerID
	listeners map[string][]*listener
	byID      map[ListenerID]*listener
}

func NewEmitter() *Emitter {
	return &Emitter{
		listeners: map[string][]*listener{},
		byID:      map[ListenerID]*listener{},
	}
}

func (e *Emitter) On(event string, fn Listener) ListenerID {
	return e.add(event, fn, false)
}

func (e *Emitter) Once(event string, fn Listener) ListenerID {
	return e.add(event, fn, true)
}

func (e *Emitter) add(event string, fn Listener, once bool) ListenerID {
	if fn == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	l := &listener{id: e.nextID, event: event, fn: fn, once: once}
	e.listeners[event] = append(e.listeners[event], l)
	e.byID[l.id] = l
	return l.id
}

func (e *Emitter) Off(id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(id)
}

func (e *Emitter) removeLocked(id ListenerID) bool {
	l, ok := e.byID[id]
	if !ok {
		return false
	}
	delete(e.byID, id)
	ls := e.listeners[l.event]
	for i, cur := range ls {
		if cur.id == id {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(e.listeners, l.event)
	} else {
		e.listeners[l.event] = ls
	}
	return true
}

// Dispatch invokes every listener registered for event and returns how many ran.
func (e *Emitter) Dispatch(event string, payload json.RawMessage) int {
	e.mu.Lock()
	snapshot := append([]*listener(nil), e.listeners[event]...)
	e.mu.Unlock()

	n := 0
	for _, l := range snapshot {
		e.mu.Lock()
		if _, ok := e.byID[l.id]; !ok {
			e.mu.Unlock()
			continue
		}
		if l.once {
			e.removeLocked(l.id)
		}
		e.mu.Unlock()
		l.fn(payload)
		n++
	}
	return n
}

// Count returns the number of listeners registered for event.
func (e *Emitter) Count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Total returns the number of registered listeners across all events.
func (e *Emitter) Total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}
