package folder

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serialExecutor runs tasks one at a time in submission order. Every
// mutation of group membership, choke/interest bookkeeping and download
// state happens on it.
type serialExecutor struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	notify chan struct{}
	done   chan struct{}
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

// Post queues fn without waiting. It reports false once the executor stopped.
func (e *serialExecutor) Post(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the executor and waits for it. It must not be called from
// a task already running on the executor.
func (e *serialExecutor) Call(fn func()) error {
	finished := make(chan struct{})
	if !e.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrGroupClosed
	}

	select {
	case <-finished:
		return nil
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrGroupClosed
		}
	}
}

// Stop discards queued tasks and waits for the running one to return.
func (e *serialExecutor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.stopped = true
	e.queue = nil
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	<-e.done
}

func (e *serialExecutor) loop() {
	defer close(e.done)

	for range e.notify {
		for {
			e.mu.Lock()
			if e.stopped {
				e.mu.Unlock()
				return
			}
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			fn := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			fn()
		}
	}
}

// bulkPool runs potentially slow storage reads concurrently with a bound on
// the number of tasks in flight.
type bulkPool struct {
	log *zap.Logger

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func newBulkPool(limit int, log *zap.Logger) *bulkPool {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	return &bulkPool{log: log, ctx: ctx, cancel: cancel, group: group}
}

// Go runs fn on the pool. Task errors are logged and never cancel siblings.
func (b *bulkPool) Go(name string, fn func(ctx context.Context) error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	b.group.Go(func() error {
		if err := fn(b.ctx); err != nil {
			b.log.Debug("bulk task failed", zap.String("task", name), zap.Error(err))
		}
		return nil
	})
	return true
}

// Close cancels running tasks and waits for them.
func (b *bulkPool) Close() {
	b.cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.group.Wait()
}
