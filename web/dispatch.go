package web

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"szakszon.com/divratio"
	"szakszon.com/divratio/session"
)

const EventSearch = "search"

var ErrUnknownEvent = errors.New("unknown event")

// Event is a user action of a session, e.g. pressing the Search button.
type Event struct {
	Type   string `json:"type"`
	Ticker string `json:"ticker"`
}

// ActionHandler turns the current state of a session into its next state.
// The current state is never nil and must not be modified.
type ActionHandler interface {
	OnAction(
		ctx context.Context,
		ev *Event,
		current *session.State,
	) (*session.State, error)
}

// Dispatcher routes events to the handler registered for their type and
// stores the resulting state. Events of one session are handled one at a
// time, in arrival order. An action whose context ends before it completes
// leaves the session unchanged.
type Dispatcher struct {
	store    session.Store
	handlers map[string]ActionHandler

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewDispatcher(store session.Store) *Dispatcher {
	return &Dispatcher{
		store:    store,
		handlers: make(map[string]ActionHandler),
		locks:    make(map[string]*sessionLock),
	}
}

// Register binds h to events of the given type. It is not safe to call
// once Dispatch is in use.
func (d *Dispatcher) Register(eventType string, h ActionHandler) {
	d.handlers[eventType] = h
}

func (d *Dispatcher) Dispatch(
	ctx context.Context,
	sessionID string,
	ev *Event,
) (*session.State, error) {
	h, ok := d.handlers[ev.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}

	unlock := d.lock(sessionID)
	defer unlock()

	current, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if current == nil {
		current = &session.State{}
	}

	next, err := h.OnAction(ctx, ev, current)
	if err != nil {
		return nil, err
	}
	// the client is gone, its session keeps the previous state
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err = d.store.Put(ctx, sessionID, next)
	if err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return next, nil
}

func (d *Dispatcher) lock(id string) func() {
	d.mu.Lock()
	l, ok := d.locks[id]
	if !ok {
		l = &sessionLock{}
		d.locks[id] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, id)
		}
		d.mu.Unlock()
	}
}

// Calculator computes the outcome for a ticker symbol.
type Calculator interface {
	Calculate(ctx context.Context, symbol string) *divratio.Outcome
}

// SearchHandler runs a calculation for the ticker of a search event.
type SearchHandler struct {
	Calculator Calculator
	Clock      func() time.Time
}

func (h *SearchHandler) OnAction(
	ctx context.Context,
	ev *Event,
	current *session.State,
) (*session.State, error) {
	now := time.Now
	if h.Clock != nil {
		now = h.Clock
	}

	return &session.State{
		Ticker:  strings.TrimSpace(ev.Ticker),
		Outcome: h.Calculator.Calculate(ctx, ev.Ticker),
		Updated: now().UTC(),
	}, nil
}
