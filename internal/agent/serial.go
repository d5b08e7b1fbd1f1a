package agent

import "sync"

// serialQueue runs submitted functions off the loop, one at a time and in
// submission order. A drainer is spawned only while work is pending.
type serialQueue struct {
	spawn func(fn func())

	mu      sync.Mutex
	pending []func()
	running bool
	idle    *sync.Cond
}

func newSerialQueue(spawn func(fn func())) *serialQueue {
	q := &serialQueue{spawn: spawn}
	q.idle = sync.NewCond(&q.mu)
	return q
}

func (q *serialQueue) Go(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	q.spawn(q.drain)
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

// Wait blocks until nothing is queued or running.
func (q *serialQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running {
		q.idle.Wait()
	}
}
