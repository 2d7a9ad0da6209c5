// Package schedule runs periodic work that is started and stopped explicitly.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrAlreadyStarted = errors.New("task already started")

// Func is invoked on every tick with the tick time.
type Func func(ctx context.Context, now time.Time)

// Task calls a Func at a fixed interval until stopped. A Task runs at most
// one invocation at a time; ticks that arrive while an invocation is still
// running are dropped.
type Task struct {
	name     string
	interval time.Duration
	fn       Func

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func Every(name string, interval time.Duration, fn Func) *Task {
	return &Task{name: name, interval: interval, fn: fn}
}

// Start launches the ticking goroutine. The task stops when ctx is done or
// Stop is called, whichever comes first.
func (t *Task) Start(ctx context.Context) error {
	if t.interval <= 0 {
		return errors.New("schedule: interval must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
	return nil
}

func (t *Task) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	log.Debug().Str("task", t.name).Dur("interval", t.interval).Msg("scheduled task started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("task", t.name).Msg("scheduled task stopped")
			return
		case now := <-ticker.C:
			t.fn(ctx, now)
		}
	}
}

// Stop cancels the task and waits for an in-flight invocation to return.
// It is safe to call more than once and on a task that never started.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the task has been started and not stopped.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}
