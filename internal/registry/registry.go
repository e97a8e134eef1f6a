// Package registry tracks live bracket orders in memory and publishes
// lifecycle events for observers.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mexc-bracket/pkg/types"
)

var (
	// ErrNotFound means no bracket with that id is registered.
	ErrNotFound = errors.New("bracket not found")

	// ErrDuplicateMainOrder means a bracket tied to the same exchange entry
	// order is already registered.
	ErrDuplicateMainOrder = errors.New("duplicate main order id")
)

// EventKind labels registry events.
type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventRemoved    EventKind = "removed"
)

// Event is one registry change notification.
type Event struct {
	Kind    EventKind
	Bracket types.BracketOrder
}

// Registry is an in-memory map of active brackets keyed by local id.
// All accessors copy, so callers never share the stored struct. Safe for
// concurrent use.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	brackets map[string]*types.BracketOrder
	byMain   map[string]string // main exchange order id -> bracket id

	events chan Event
}

// New creates an empty registry. Events are delivered on a buffered channel;
// when no one drains it, events are dropped rather than blocking trading.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("component", "registry"),
		brackets: make(map[string]*types.BracketOrder),
		byMain:   make(map[string]string),
		events:   make(chan Event, 64),
	}
}

// Events returns the lifecycle event channel.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Register adds a bracket. Brackets whose main order id is already tracked
// are rejected so one exchange order never backs two local positions.
func (r *Registry) Register(b types.BracketOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.brackets[b.ID]; ok {
		return fmt.Errorf("bracket %s already registered", b.ID)
	}
	if b.MainOrderID != "" {
		if existing, ok := r.byMain[b.MainOrderID]; ok {
			return fmt.Errorf("main order %s already tracked by bracket %s: %w",
				b.MainOrderID, existing, ErrDuplicateMainOrder)
		}
		r.byMain[b.MainOrderID] = b.ID
	}

	copied := b
	r.brackets[b.ID] = &copied
	r.logger.Info("bracket registered", "id", b.ID, "symbol", b.Symbol, "state", b.State)
	r.emit(Event{Kind: EventRegistered, Bracket: b})
	return nil
}

// Get returns a copy of the bracket.
func (r *Registry) Get(id string) (types.BracketOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brackets[id]
	if !ok {
		return types.BracketOrder{}, fmt.Errorf("bracket %s: %w", id, ErrNotFound)
	}
	return *b, nil
}

// Update applies fn to the stored bracket under the lock and returns the
// updated copy. fn sees and mutates the live struct; the main-order index is
// maintained when fn assigns MainOrderID.
func (r *Registry) Update(id string, fn func(*types.BracketOrder)) (types.BracketOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.brackets[id]
	if !ok {
		return types.BracketOrder{}, fmt.Errorf("bracket %s: %w", id, ErrNotFound)
	}
	oldMain := b.MainOrderID
	fn(b)
	if b.MainOrderID != oldMain {
		if oldMain != "" {
			delete(r.byMain, oldMain)
		}
		if b.MainOrderID != "" {
			r.byMain[b.MainOrderID] = id
		}
	}
	return *b, nil
}

// Remove deletes the bracket and emits a removed event.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	b, ok := r.brackets[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("bracket %s: %w", id, ErrNotFound)
	}
	delete(r.brackets, id)
	if b.MainOrderID != "" {
		delete(r.byMain, b.MainOrderID)
	}
	copied := *b
	r.mu.Unlock()

	r.logger.Info("bracket removed", "id", id, "state", copied.State)
	r.emit(Event{Kind: EventRemoved, Bracket: copied})
	return nil
}

// Snapshot returns copies of all tracked brackets.
func (r *Registry) Snapshot() []types.BracketOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.BracketOrder, 0, len(r.brackets))
	for _, b := range r.brackets {
		out = append(out, *b)
	}
	return out
}

// Active returns copies of brackets not yet in a terminal state.
func (r *Registry) Active() []types.BracketOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.BracketOrder, 0, len(r.brackets))
	for _, b := range r.brackets {
		if !b.State.Terminal() {
			out = append(out, *b)
		}
	}
	return out
}

// emit delivers an event without ever blocking the caller.
func (r *Registry) emit(e Event) {
	select {
	case r.events <- e:
	default:
		r.logger.Warn("event channel full, dropping event", "kind", e.Kind, "id", e.Bracket.ID)
	}
}
