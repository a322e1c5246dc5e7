package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/metrics"
)

const defaultRetryDelay = time.Second

// AsyncWriter persists files off the processing goroutine. Only the latest
// submitted content per path is kept; a failed write is retried after a
// delay unless a newer value for the same path has arrived meanwhile.
type AsyncWriter struct {
	mu      sync.Mutex
	pending map[string][]byte
	closed  bool

	write      func(path string, data []byte) error
	retryDelay time.Duration

	wake    chan struct{}
	flushCh chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// AsyncOption configures an AsyncWriter.
type AsyncOption func(*AsyncWriter)

// WithWriteFunc replaces the file writer, mainly for tests.
func WithWriteFunc(fn func(path string, data []byte) error) AsyncOption {
	return func(w *AsyncWriter) { w.write = fn }
}

// WithRetryDelay sets the delay before a failed write is retried.
func WithRetryDelay(d time.Duration) AsyncOption {
	return func(w *AsyncWriter) { w.retryDelay = d }
}

// NewAsyncWriter creates the writer and starts its goroutine.
func NewAsyncWriter(opts ...AsyncOption) *AsyncWriter {
	w := &AsyncWriter{
		pending:    make(map[string][]byte),
		write:      WriteFileAtomic,
		retryDelay: defaultRetryDelay,
		wake:       make(chan struct{}, 1),
		flushCh:    make(chan chan struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Submit queues data for path, replacing anything still pending for it.
// The caller must not modify data afterwards.
func (w *AsyncWriter) Submit(path string, data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return core.ErrPipelineStopped
	}
	w.pending[path] = data
	w.mu.Unlock()

	w.signal()
	return nil
}

// SubmitJSON marshals v on the caller's goroutine, so the snapshot reflects
// the state at call time, and queues it.
func (w *AsyncWriter) SubmitJSON(path string, v any) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return err
	}
	return w.Submit(path, data)
}

// Flush blocks until everything submitted before the call has been
// attempted once.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	select {
	case w.flushCh <- ch:
	case <-w.done:
		return core.ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ch:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, makes a final attempt at everything pending
// and waits for the goroutine to exit or ctx to expire.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AsyncWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *AsyncWriter) run() {
	defer close(w.done)

	var waiters []chan struct{}
	release := func() {
		for _, ch := range waiters {
			close(ch)
		}
		waiters = nil
	}

	for {
		select {
		case <-w.wake:
		case ch := <-w.flushCh:
			waiters = append(waiters, ch)
		case <-w.stop:
			w.writePending(false)
			release()
			return
		}

		failed := w.writePending(true)
		release()

		if failed {
			select {
			case <-time.After(w.retryDelay):
				w.signal()
			case <-w.stop:
				w.writePending(false)
				return
			}
		}
	}
}

// writePending writes the current batch. With requeue set, failed entries
// go back to the pending set unless superseded.
func (w *AsyncWriter) writePending(requeue bool) bool {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string][]byte)
	w.mu.Unlock()

	failed := false
	for path, data := range batch {
		if err := w.write(path, data); err != nil {
			failed = true
			metrics.PersistWritesTotal.WithLabelValues("error").Inc()
			slog.Error("failed to persist file", "path", path, "error", err, "retry", requeue)
			if requeue {
				w.mu.Lock()
				if _, newer := w.pending[path]; !newer {
					w.pending[path] = data
				}
				w.mu.Unlock()
			}
			continue
		}
		metrics.PersistWritesTotal.WithLabelValues("ok").Inc()
	}
	return failed
}
