// Package agent runs the headless driver client: one loop goroutine owns the
// presence, presenter, alert and tracking state, and every input is posted to it.
package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/example/quickrun-notify/internal/logging"
)

// Loop runs posted closures one at a time in FIFO order. Post never blocks, so
// callbacks running on the loop may post more work.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	log   *slog.Logger
}

func NewLoop(logger *slog.Logger) *Loop {
	return &Loop{wake: make(chan struct{}, 1), log: logging.Component(logger, "loop")}
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done. Work still queued at shutdown is dropped.
func (l *Loop) Run(ctx context.Context) {
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.run(fn)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Do posts fn and waits for it to run. It must not be called from the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("panic in loop task", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
