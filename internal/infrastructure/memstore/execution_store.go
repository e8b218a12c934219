// Package memstore keeps records in process memory. It backs fleetctl and
// tests; nothing survives a restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
)

type ExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]*domain.CommandExecution
	// Appends counts writes, for tests asserting on persistence traffic.
	appends int
	failErr error
}

var _ ports.ExecutionRepository = (*ExecutionStore)(nil)

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{execs: make(map[string]*domain.CommandExecution)}
}

func (s *ExecutionStore) Append(ctx context.Context, exec *domain.CommandExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.execs[exec.ID] = exec.Clone()
	s.appends++
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (*domain.CommandExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, nil
	}
	return exec.Clone(), nil
}

func (s *ExecutionStore) List(ctx context.Context, limit int) ([]domain.CommandExecution, error) {
	s.mu.RLock()
	out := make([]domain.CommandExecution, 0, len(s.execs))
	for _, exec := range s.execs {
		out = append(out, *exec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ExecutionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	var n int64
	for id, exec := range s.execs {
		if exec.StartedAt.Before(cutoff) && exec.Status.IsTerminal() {
			delete(s.execs, id)
			n++
		}
	}
	return n, nil
}

// Appends returns the number of successful writes.
func (s *ExecutionStore) Appends() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appends
}

// FailWith makes every later Append and DeleteOlderThan return err. Pass nil to recover.
func (s *ExecutionStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
