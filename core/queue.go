package core

import (
	"context"
	"sync"
)

// runQueue orders runs FIFO. Each ticket waits for the one enqueued before it.
type runQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

type ticket struct {
	prev <-chan struct{}
	done chan struct{}
}

func (q *runQueue) enqueue() *ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := &ticket{prev: q.tail, done: make(chan struct{})}
	q.tail = t.done
	return t
}

// wait blocks until every earlier ticket was released.
func (t *ticket) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release lets the next ticket proceed. A ticket abandoned before its turn
// still holds its place until the earlier run finishes.
func (t *ticket) release() {
	if t.prev == nil {
		close(t.done)
		return
	}
	select {
	case <-t.prev:
		close(t.done)
	default:
		go func() {
			<-t.prev
			close(t.done)
		}()
	}
}
