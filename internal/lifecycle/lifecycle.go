// Package lifecycle carries the app foreground/background signal from the
// reader UI to the services that react to it.
package lifecycle

import (
	"fmt"
	"strings"
	"sync"
)

// State is the application's lifecycle state as reported by the UI shell.
type State string

const (
	Active     State = "active"
	Inactive   State = "inactive"
	Background State = "background"
)

// Parse converts a reported state name.
func Parse(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case Active:
		return Active, nil
	case Inactive:
		return Inactive, nil
	case Background:
		return Background, nil
	default:
		return "", fmt.Errorf("unknown lifecycle state: %q", s)
	}
}

// Foreground reports whether the app is in front of the user.
func (s State) Foreground() bool {
	return s == Active
}

// Listener receives every transition.
type Listener func(prev, next State)

// Signal is a source of lifecycle transitions.
type Signal interface {
	// Subscribe registers fn and returns a function that removes it.
	// Calling the returned function more than once is harmless.
	Subscribe(fn Listener) (unsubscribe func())
}

// Broadcaster is a Signal driven by Publish.
type Broadcaster struct {
	mu        sync.Mutex
	current   State
	listeners map[int]Listener
	nextID    int
}

// NewBroadcaster creates a broadcaster starting in initial.
func NewBroadcaster(initial State) *Broadcaster {
	return &Broadcaster{
		current:   initial,
		listeners: make(map[int]Listener),
	}
}

// Current returns the last published state.
func (b *Broadcaster) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe implements Signal.
func (b *Broadcaster) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish records next and notifies listeners if the state changed. It
// reports whether a transition happened. Listeners run on the caller's
// goroutine with no broadcaster lock held, so they may unsubscribe.
func (b *Broadcaster) Publish(next State) bool {
	b.mu.Lock()
	prev := b.current
	if prev == next {
		b.mu.Unlock()
		return false
	}
	b.current = next
	listeners := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}
	return true
}
