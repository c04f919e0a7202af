// Package loader acquires one shared, expensive resource at most once, no
// matter how many callers ask for it concurrently.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrResourceUnavailable is returned when the resource could not be acquired.
// The next Acquire starts a fresh attempt.
var ErrResourceUnavailable = errors.New("resource unavailable")

// State is the lifecycle state of a Loader.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	// Failed is only ever observed through events; the loader itself falls
	// back to Unloaded so the next Acquire retries.
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a state transition notification.
type Event struct {
	Name  string
	State State
	Err   error
	At    time.Time
}

// Observer receives transition events. Observers run synchronously on the
// loading goroutine and must not call back into the Loader.
type Observer func(Event)

// LoadFunc performs the acquisition. It receives a context detached from any
// caller's cancellation.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Status is a point-in-time view of a Loader.
type Status struct {
	State     string `json:"state"`
	Loaded    bool   `json:"loaded"`
	Loading   bool   `json:"loading"`
	Waiters   int    `json:"waiters"`
	LastError string `json:"last_error,omitempty"`
}

// Loader is a single-flight loader for a resource of type T.
type Loader[T any] struct {
	name   string
	load   LoadFunc[T]
	logger *zap.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	state     State
	value     T
	lastErr   error
	observers []Observer

	waiters atomic.Int32
}

// New creates a Loader in the Unloaded state.
func New[T any](name string, load LoadFunc[T], logger *zap.Logger) *Loader[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader[T]{
		name:   name,
		load:   load,
		logger: logger.With(zap.String("resource", name)),
	}
}

// Subscribe registers an observer for state transitions.
func (l *Loader[T]) Subscribe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Acquire returns the resource, loading it if needed. Concurrent callers
// share one in-flight load and receive the same value or the same error.
//
// ctx bounds how long this caller waits, not the load itself: if ctx is done
// first the caller gets an error and the load carries on for everyone else.
func (l *Loader[T]) Acquire(ctx context.Context) (T, error) {
	if v, ok := l.ready(); ok {
		return v, nil
	}

	ch := l.group.DoChan(l.name, func() (any, error) {
		return l.acquire(ctx)
	})
	l.waiters.Add(1)
	defer l.waiters.Add(-1)

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %s: %w", ErrResourceUnavailable, l.name, ctx.Err())
	}
}

func (l *Loader[T]) acquire(ctx context.Context) (any, error) {
	// A caller may have lost the race with a load that just finished.
	if v, ok := l.ready(); ok {
		return v, nil
	}

	l.setState(Loading, nil)
	start := time.Now()

	v, err := l.load(context.WithoutCancel(ctx))
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrResourceUnavailable, l.name, err)
		l.logger.Error("resource load failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		// Drop the flight before anyone can observe Unloaded, so a retry
		// starts a new load instead of joining this failed one.
		l.group.Forget(l.name)
		l.setState(Failed, err)
		return nil, err
	}

	l.mu.Lock()
	l.value = v
	l.mu.Unlock()
	l.logger.Info("resource ready", zap.Duration("elapsed", time.Since(start)))
	l.setState(Ready, nil)
	return v, nil
}

func (l *Loader[T]) ready() (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.value, l.state == Ready
}

func (l *Loader[T]) setState(s State, err error) {
	l.mu.Lock()
	if s == Failed {
		l.state = Unloaded
	} else {
		l.state = s
	}
	l.lastErr = err
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()

	if s == Loading {
		l.logger.Info("resource loading")
	}
	ev := Event{Name: l.name, State: s, Err: err, At: time.Now()}
	for _, o := range observers {
		o(ev)
	}
}

// State returns the current state.
func (l *Loader[T]) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Status reports the loader's state for display.
func (l *Loader[T]) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{
		State:   l.state.String(),
		Loaded:  l.state == Ready,
		Loading: l.state == Loading,
		Waiters: int(l.waiters.Load()),
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}

// Waiters returns the number of callers currently blocked in Acquire.
func (l *Loader[T]) Waiters() int {
	return int(l.waiters.Load())
}

// Value returns the resource without loading it. ok is false unless the
// loader is Ready.
func (l *Loader[T]) Value() (v T, ok bool) {
	return l.ready()
}
