package services

import (
	"context"
	"sync"
	"time"

	"github.com/netly/fleet/internal/domain"
)

// executionState is the live aggregate of one running execution. Every
// mutation happens under mu and publishes its event before releasing it, so
// subscribers observe events in state-transition order.
type executionState struct {
	mu              sync.Mutex
	exec            *domain.CommandExecution
	hosts           []domain.Host
	spec            domain.CommandSpec
	cancelRequested bool
	cancel          context.CancelFunc
	seq             uint64
	bus             *EventBus
	done            chan struct{}
}

func newExecutionState(exec *domain.CommandExecution, hosts []domain.Host, spec domain.CommandSpec, bus *EventBus, cancel context.CancelFunc) *executionState {
	return &executionState{
		exec:   exec,
		hosts:  hosts,
		spec:   spec,
		bus:    bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *executionState) publishLocked(ev domain.ExecutionEvent) {
	s.seq++
	ev.ExecutionID = s.exec.ID
	ev.Sequence = s.seq
	ev.Timestamp = time.Now()
	s.bus.Publish(ev)
}

// startHost moves host i to running. When cancellation was already accepted
// the host is skipped instead and false is returned.
func (s *executionState) startHost(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &s.exec.Results[i]
	if s.cancelRequested {
		s.transitionLocked(r, domain.ResultSkipped, "skipped: execution cancelled")
		return false
	}
	if !r.Status.CanTransitionTo(domain.ResultRunning) {
		return false
	}
	now := time.Now()
	r.Status = domain.ResultRunning
	r.StartedAt = &now
	res := r.Clone()
	s.publishLocked(domain.ExecutionEvent{Type: domain.EventHostStarted, Result: &res})
	return true
}

// completeHost records the runner's outcome for host i.
func (s *executionState) completeHost(i int, outcome domain.CommandResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &s.exec.Results[i]
	if !r.Status.CanTransitionTo(outcome.Status) {
		return
	}
	r.ExitCode = outcome.ExitCode
	r.Stdout = outcome.Stdout
	r.Stderr = outcome.Stderr
	r.CompletedAt = outcome.CompletedAt
	s.transitionLocked(r, outcome.Status, outcome.Error)
}

func (s *executionState) transitionLocked(r *domain.CommandResult, status domain.ResultStatus, msg string) {
	if !r.Status.CanTransitionTo(status) {
		return
	}
	if r.CompletedAt == nil {
		now := time.Now()
		r.CompletedAt = &now
	}
	r.Status = status
	r.Error = msg
	res := r.Clone()
	s.publishLocked(domain.ExecutionEvent{Type: domain.EventHostResultUpdated, Result: &res})
}

// skipPending marks every host that was never dispatched as skipped.
func (s *executionState) skipPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := "skipped: not dispatched"
	if s.cancelRequested {
		msg = "skipped: execution cancelled"
	}
	n := 0
	for i := range s.exec.Results {
		r := &s.exec.Results[i]
		if r.Status == domain.ResultPending {
			s.transitionLocked(r, domain.ResultSkipped, msg)
			n++
		}
	}
	return n
}

// requestCancel sets the level-triggered cancel flag. It reports false when
// there is nothing left to cancel.
func (s *executionState) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exec.Status.IsTerminal() {
		return false
	}
	if s.cancelRequested {
		return true
	}
	if s.exec.AllResultsTerminal() {
		return false
	}
	s.cancelRequested = true
	s.cancel()
	return true
}

func (s *executionState) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// finalize decides the terminal status, publishes execution-completed and
// returns the final snapshot. Every result must already be terminal.
func (s *executionState) finalize() *domain.CommandExecution {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.ExecutionCompleted
	if s.cancelRequested {
		status = domain.ExecutionCancelled
	}
	if s.exec.Status.CanTransitionTo(status) {
		now := time.Now()
		s.exec.Status = status
		s.exec.CompletedAt = &now
		s.exec.UpdatedAt = now
	}
	snap := s.exec.Clone()
	s.publishLocked(domain.ExecutionEvent{
		Type:      domain.EventExecutionCompleted,
		Status:    snap.Status,
		Execution: snap.Clone(),
	})
	close(s.done)
	return snap
}

func (s *executionState) snapshot() *domain.CommandExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec.Clone()
}

// watch returns the current snapshot together with a subscription registered
// under the same lock, so no event falls between the two. The subscription
// is nil when the execution has already completed.
func (s *executionState) watch() (*domain.CommandExecution, *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.exec.Clone()
	if snap.Status.IsTerminal() {
		return snap, nil
	}
	return snap, s.bus.Subscribe(s.exec.ID)
}
