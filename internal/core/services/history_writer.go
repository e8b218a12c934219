package services

import (
	"context"
	"sync"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

type writeRequest struct {
	exec    *domain.CommandExecution
	waiters []chan error
}

// historyWriter persists execution snapshots from a single goroutine.
// Pending snapshots of the same execution are coalesced, so a burst of host
// completions costs one write and the last submitted snapshot always lands
// last.
type historyWriter struct {
	repo   ports.ExecutionRepository
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]*writeRequest
	order   []string
	closed  bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func newHistoryWriter(repo ports.ExecutionRepository, log *logger.Logger) *historyWriter {
	w := &historyWriter{
		repo:    repo,
		logger:  log,
		pending: make(map[string]*writeRequest),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit queues an intermediate snapshot. It never blocks.
func (w *historyWriter) Submit(exec *domain.CommandExecution) {
	w.enqueue(exec, nil)
}

// Flush queues exec and waits until it has been written.
func (w *historyWriter) Flush(ctx context.Context, exec *domain.CommandExecution) error {
	done := make(chan error, 1)
	if !w.enqueue(exec, done) {
		return w.repo.Append(ctx, exec)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *historyWriter) enqueue(exec *domain.CommandExecution, done chan error) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	req, ok := w.pending[exec.ID]
	if !ok {
		req = &writeRequest{}
		w.pending[exec.ID] = req
		w.order = append(w.order, exec.ID)
	}
	req.exec = exec
	if done != nil {
		req.waiters = append(req.waiters, done)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *historyWriter) next() (*writeRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) == 0 {
		return nil, false
	}
	id := w.order[0]
	w.order = w.order[1:]
	req := w.pending[id]
	delete(w.pending, id)
	return req, true
}

func (w *historyWriter) drain() {
	for {
		req, ok := w.next()
		if !ok {
			return
		}
		err := w.repo.Append(context.Background(), req.exec)
		if err != nil {
			w.logger.Errorw("execution_history_write_failed", "execution_id", req.exec.ID, "status", req.exec.Status, "error", err)
		}
		for _, done := range req.waiters {
			done <- err
		}
	}
}

func (w *historyWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

// Close writes everything still queued and stops the goroutine.
func (w *historyWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	w.wg.Wait()
}
