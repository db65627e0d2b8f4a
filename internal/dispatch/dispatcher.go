package dispatch

import (
	"context"
	"sync"
	"time"
)

const defaultQueueSize = 8

// Handler processes one queued item. Items sharing a key never run
// concurrently and are handled in enqueue order.
type Handler[T any] func(ctx context.Context, item T, meta CallbackMetadata)

type CallbackMetadata struct {
	Key        string        `json:"key"`
	QueueWait  time.Duration `json:"queue_wait_ms"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

type Dispatcher[T any] struct {
	ctx       context.Context
	handler   Handler[T]
	queueSize int

	mu      sync.Mutex
	workers map[string]*worker[T]
	closed  bool
	wg      sync.WaitGroup
}

type worker[T any] struct {
	queue chan queuedItem[T]
}

type queuedItem[T any] struct {
	item       T
	enqueuedAt time.Time
}

func New[T any](ctx context.Context, queueSize int, handler Handler[T]) *Dispatcher[T] {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if handler == nil {
		handler = func(context.Context, T, CallbackMetadata) {}
	}
	return &Dispatcher[T]{
		ctx:       ctx,
		handler:   handler,
		queueSize: queueSize,
		workers:   map[string]*worker[T]{},
	}
}

// Enqueue hands item to the worker for key. When that worker's queue is full
// the oldest waiting item is dropped in favor of the new one.
func (d *Dispatcher[T]) Enqueue(key string, item T) (dropped bool) {
	select {
	case <-d.ctx.Done():
		return true
	default:
	}

	queued := queuedItem[T]{item: item, enqueuedAt: time.Now()}

	// sends happen under mu so a retiring worker cannot miss an item
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return true
	}
	w := d.workerLocked(key)

	select {
	case w.queue <- queued:
		return false
	default:
	}

	select {
	case <-w.queue:
		dropped = true
	default:
	}
	select {
	case w.queue <- queued:
		return dropped
	default:
		return true
	}
}

// Workers reports how many per-key workers are alive. A worker exits once
// its queue is empty.
func (d *Dispatcher[T]) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Wait stops accepting items and blocks until every worker has drained its
// queue and returned.
func (d *Dispatcher[T]) Wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher[T]) workerLocked(key string) *worker[T] {
	if w, ok := d.workers[key]; ok {
		return w
	}

	w := &worker[T]{queue: make(chan queuedItem[T], d.queueSize)}
	d.workers[key] = w
	d.wg.Add(1)
	go d.runWorker(key, w)
	return w
}

// retire removes w when nothing is left in its queue.
func (d *Dispatcher[T]) retire(key string, w *worker[T], force bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !force && len(w.queue) > 0 {
		return false
	}
	if d.workers[key] == w {
		delete(d.workers, key)
	}
	return true
}

func (d *Dispatcher[T]) runWorker(key string, w *worker[T]) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.retire(key, w, true)
			return
		case next := <-w.queue:
			queueWait := time.Since(next.enqueuedAt)
			if queueWait < 0 {
				queueWait = 0
			}
			d.handler(d.ctx, next.item, CallbackMetadata{
				Key:        key,
				QueueWait:  queueWait,
				EnqueuedAt: next.enqueuedAt,
			})
		default:
			if d.retire(key, w, false) {
				return
			}
		}
	}
}
