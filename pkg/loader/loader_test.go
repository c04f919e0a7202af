package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type model struct{ id int }

// gatedLoad blocks every load until release is closed and counts calls.
type gatedLoad struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func newGatedLoad(err error) *gatedLoad {
	return &gatedLoad{release: make(chan struct{}), err: err}
}

func (g *gatedLoad) load(ctx context.Context) (*model, error) {
	n := g.calls.Add(1)
	<-g.release
	if g.err != nil {
		return nil, g.err
	}
	return &model{id: int(n)}, nil
}

// acquireConcurrently starts n Acquire calls and returns a func that waits
// for all of them.
func acquireConcurrently(l *Loader[*model], n int) func() ([]*model, []error) {
	models := make([]*model, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			models[i], errs[i] = l.Acquire(context.Background())
		}(i)
	}
	return func() ([]*model, []error) {
		wg.Wait()
		return models, errs
	}
}

func TestAcquireSingleFlight(t *testing.T) {
	g := newGatedLoad(nil)
	l := New("model", g.load, nil)

	const n = 16
	wait := acquireConcurrently(l, n)

	require.Eventually(t, func() bool { return l.Waiters() == n }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Loading, l.State())
	close(g.release)
	models, errs := wait()

	assert.Equal(t, int32(1), g.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, models[0], models[i])
	}
	assert.Equal(t, Ready, l.State())

	// Ready: no further load work.
	m, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, models[0], m)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestAcquireSharedFailureThenRetry(t *testing.T) {
	boom := errors.New("network down")
	g := newGatedLoad(boom)
	l := New("model", g.load, nil)

	const n = 8
	wait := acquireConcurrently(l, n)

	require.Eventually(t, func() bool { return l.Waiters() == n }, 2*time.Second, time.Millisecond)
	close(g.release)
	_, errs := wait()

	assert.Equal(t, int32(1), g.calls.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResourceUnavailable)
		assert.ErrorIs(t, err, boom)
		assert.True(t, errs[0] == err, "waiters should share one error")
	}
	assert.Equal(t, Unloaded, l.State())
	assert.Contains(t, l.Status().LastError, "network down")

	// No automatic retry; the next call starts a fresh attempt.
	g.err = nil
	m, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, m.id)
	assert.Equal(t, Ready, l.State())
}

func TestAcquireCallerTimeoutDoesNotCancelLoad(t *testing.T) {
	g := newGatedLoad(nil)
	l := New("model", g.load, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx)
	require.ErrorIs(t, err, ErrResourceUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Loading, l.State())

	close(g.release)
	m, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.id)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestObserverEvents(t *testing.T) {
	var mu sync.Mutex
	var states []State
	fail := true
	l := New("model", func(ctx context.Context) (*model, error) {
		if fail {
			return nil, errors.New("bad weights")
		}
		return &model{id: 1}, nil
	}, nil)
	l.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, ev.State)
	})

	_, err := l.Acquire(context.Background())
	require.Error(t, err)
	fail = false
	_, err = l.Acquire(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Loading, Failed, Loading, Ready}, states)
}

func TestRetryFromFailedObserverStartsNewLoad(t *testing.T) {
	var loads atomic.Int32
	l := New("model", func(ctx context.Context) (*model, error) {
		n := loads.Add(1)
		if n == 1 {
			return nil, errors.New("first fails")
		}
		return &model{id: int(n)}, nil
	}, nil)

	type result struct {
		m   *model
		err error
	}
	retried := make(chan result, 1)
	var once sync.Once
	l.Subscribe(func(ev Event) {
		if ev.State != Failed {
			return
		}
		once.Do(func() {
			go func() {
				m, err := l.Acquire(context.Background())
				retried <- result{m, err}
			}()
		})
	})

	_, err := l.Acquire(context.Background())
	require.Error(t, err)

	select {
	case r := <-retried:
		require.NoError(t, r.err)
		assert.Equal(t, 2, r.m.id)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not complete")
	}
	assert.Equal(t, int32(2), loads.Load())
	assert.Equal(t, Ready, l.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unloaded", Unloaded.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "state(9)", State(9).String())
}
