package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"golang.org/x/sync/semaphore"
)

const (
	defaultWorkers     = 8
	defaultMaxWorkers  = 64
	defaultHostTimeout = 5 * time.Minute
	maxCommandName     = 64
)

// ExecuteOptions tunes a single execution. Zero values use the service
// defaults.
type ExecuteOptions struct {
	Workers     int
	HostTimeout time.Duration
	// AllowEmpty lets a filter that resolves to no hosts produce an
	// execution that completes immediately instead of failing.
	AllowEmpty bool
}

type ExecutionTicket struct {
	ExecutionID string `json:"execution_id"`
	TargetCount int    `json:"target_count"`
}

// ExecutionError reports a batch-level failure. The failed execution is
// still recorded in history under ExecutionID.
type ExecutionError struct {
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s failed: %v", e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ExecutionService owns the lifecycle of bulk executions: resolution,
// bounded fan-out over the task runner, cancellation, event publication and
// history persistence.
type ExecutionService struct {
	resolver       *HostResolver
	runner         *TaskRunner
	repo           ports.ExecutionRepository
	timeline       ports.TimelineRepository
	bus            *EventBus
	writer         *historyWriter
	logger         *logger.Logger
	workers        int
	maxWorkers     int
	hostTimeout    time.Duration
	maxHostTimeout time.Duration

	mu       sync.RWMutex
	live     map[string]*executionState
	closing  bool
	inflight sync.WaitGroup
}

type ExecutionServiceConfig struct {
	Resolver       *HostResolver
	Runner         *TaskRunner
	Repository     ports.ExecutionRepository
	Timeline       ports.TimelineRepository
	Bus            *EventBus
	Logger         *logger.Logger
	Workers        int
	// MaxWorkers caps per-call worker overrides and Workers itself.
	MaxWorkers     int
	HostTimeout    time.Duration
	MaxHostTimeout time.Duration
}

func NewExecutionService(cfg ExecutionServiceConfig) *ExecutionService {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NewEventBus(log)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	hostTimeout := cfg.HostTimeout
	if hostTimeout <= 0 {
		hostTimeout = defaultHostTimeout
	}
	return &ExecutionService{
		resolver:       cfg.Resolver,
		runner:         cfg.Runner,
		repo:           cfg.Repository,
		timeline:       cfg.Timeline,
		bus:            bus,
		writer:         newHistoryWriter(cfg.Repository, log),
		logger:         log,
		workers:        workers,
		maxWorkers:     maxWorkers,
		hostTimeout:    hostTimeout,
		maxHostTimeout: cfg.MaxHostTimeout,
		live:           make(map[string]*executionState),
	}
}

func (s *ExecutionService) Bus() *EventBus {
	return s.bus
}

func (s *ExecutionService) Execute(ctx context.Context, spec domain.CommandSpec, filter domain.HostFilter) (*ExecutionTicket, error) {
	return s.ExecuteWithOptions(ctx, spec, filter, ExecuteOptions{})
}

// ExecuteWithOptions resolves the targets, records the execution and starts
// the fan-out in the background. It returns once dispatch has begun.
func (s *ExecutionService) ExecuteWithOptions(ctx context.Context, spec domain.CommandSpec, filter domain.HostFilter, opts ExecuteOptions) (*ExecutionTicket, error) {
	if spec.TargetOS == "" {
		spec.TargetOS = domain.TargetOSAll
	}
	exec := &domain.CommandExecution{
		ID:             uuid.NewString(),
		CommandName:    commandName(spec),
		Command:        spec.Body,
		ScriptLanguage: spec.ScriptLanguage,
		TargetOS:       spec.TargetOS,
		Filter:         filter,
		Status:         domain.ExecutionPending,
		StartedAt:      time.Now(),
		ConnectionIDs:  domain.IDList{},
		Results:        domain.ResultList{},
	}
	exec.UpdatedAt = exec.StartedAt

	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		return nil, s.fail(ctx, exec, ErrShuttingDown)
	}

	if strings.TrimSpace(spec.Body) == "" {
		return nil, s.fail(ctx, exec, ErrEmptyCommand)
	}

	hosts, err := s.resolver.Resolve(ctx, filter, spec.TargetOS)
	if err != nil {
		return nil, s.fail(ctx, exec, err)
	}
	if len(hosts) == 0 && !opts.AllowEmpty {
		return nil, s.fail(ctx, exec, ErrNoTargets)
	}

	for _, h := range hosts {
		exec.ConnectionIDs = append(exec.ConnectionIDs, h.ConnectionID)
		exec.Results = append(exec.Results, domain.CommandResult{
			ConnectionID:   h.ConnectionID,
			ConnectionName: h.Name,
			Hostname:       h.Hostname,
			Status:         domain.ResultPending,
		})
	}

	if err := s.repo.Append(ctx, exec); err != nil {
		s.logger.Errorw("execution_create_persist_failed", "execution_id", exec.ID, "error", err)
		return nil, s.fail(ctx, exec, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err))
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = s.workers
	}
	if workers > s.maxWorkers {
		workers = s.maxWorkers
	}
	timeout := opts.HostTimeout
	if timeout <= 0 {
		timeout = s.hostTimeout
	}
	if s.maxHostTimeout > 0 && timeout > s.maxHostTimeout {
		timeout = s.maxHostTimeout
	}

	exec.Status = domain.ExecutionRunning
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	state := newExecutionState(exec, hosts, spec, s.bus, cancel)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		exec.Status = domain.ExecutionPending
		return nil, s.fail(ctx, exec, ErrShuttingDown)
	}
	s.live[exec.ID] = state
	s.inflight.Add(1)
	s.mu.Unlock()

	s.logger.Infow("execution_start",
		"execution_id", exec.ID,
		"command_name", exec.CommandName,
		"targets", len(hosts),
		"workers", workers,
		"host_timeout", timeout,
	)
	s.recordTimeline(ctx, exec, domain.EventTypeExecutionStarted, domain.EventStatusPending,
		fmt.Sprintf("Execution %q started on %d host(s)", exec.CommandName, len(hosts)))

	go s.run(runCtx, cancel, state, workers, timeout)

	return &ExecutionTicket{ExecutionID: exec.ID, TargetCount: len(hosts)}, nil
}

// run drives one execution to its terminal state. Hosts are dispatched in
// resolved order; a weighted semaphore keeps at most workers tasks alive.
func (s *ExecutionService) run(ctx context.Context, cancel context.CancelFunc, state *executionState, workers int, timeout time.Duration) {
	defer s.inflight.Done()
	defer cancel()

	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	for i := range state.hosts {
		if state.isCancelled() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if !state.startHost(i) {
				return
			}
			result := s.runner.Run(ctx, state.hosts[i], state.spec, timeout)
			state.completeHost(i, result)
			s.logger.Debugw("execution_host_done",
				"execution_id", state.exec.ID,
				"connection_id", result.ConnectionID,
				"status", result.Status,
			)
			s.writer.Submit(state.snapshot())
		}()
	}
	wg.Wait()

	if n := state.skipPending(); n > 0 {
		s.logger.Infow("execution_hosts_skipped", "execution_id", state.exec.ID, "count", n)
	}

	final := state.finalize()
	counts := final.ResultCounts()
	s.logger.Infow("execution_done",
		"execution_id", final.ID,
		"status", final.Status,
		"success", counts[domain.ResultSuccess],
		"error", counts[domain.ResultError],
		"skipped", counts[domain.ResultSkipped],
		"cancelled", counts[domain.ResultCancelled],
		"duration", final.CompletedAt.Sub(final.StartedAt),
	)

	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelPersist()
	if err := s.writer.Flush(persistCtx, final); err != nil {
		// Keep the live copy so reads still see the final state.
		s.logger.Errorw("execution_final_persist_failed", "execution_id", final.ID, "error", err)
	} else {
		s.mu.Lock()
		delete(s.live, final.ID)
		s.mu.Unlock()
	}

	eventType, eventStatus := domain.EventTypeExecutionCompleted, domain.EventStatusSuccess
	if final.Status == domain.ExecutionCancelled {
		eventType, eventStatus = domain.EventTypeExecutionCancelled, domain.EventStatusFailed
	}
	s.recordTimeline(ctx, final, eventType, eventStatus, fmt.Sprintf(
		"Execution %q %s: %d succeeded, %d failed, %d skipped, %d cancelled",
		final.CommandName, final.Status,
		counts[domain.ResultSuccess], counts[domain.ResultError], counts[domain.ResultSkipped], counts[domain.ResultCancelled],
	))
}

// fail records a batch-level failure: the execution is persisted as failed,
// the completion event is published and the cause is returned wrapped.
func (s *ExecutionService) fail(ctx context.Context, exec *domain.CommandExecution, cause error) error {
	now := time.Now()
	exec.Status = domain.ExecutionFailed
	exec.Error = cause.Error()
	exec.CompletedAt = &now
	exec.UpdatedAt = now

	s.logger.Warnw("execution_failed", "execution_id", exec.ID, "error", cause)

	if !errors.Is(cause, ErrHistoryUnavailable) {
		if err := s.repo.Append(ctx, exec); err != nil {
			s.logger.Errorw("execution_failed_persist_failed", "execution_id", exec.ID, "error", err)
		}
	}
	s.bus.Publish(domain.ExecutionEvent{
		Type:        domain.EventExecutionCompleted,
		ExecutionID: exec.ID,
		Sequence:    1,
		Timestamp:   now,
		Status:      exec.Status,
		Execution:   exec.Clone(),
	})
	s.recordTimeline(ctx, exec, domain.EventTypeExecutionFailed, domain.EventStatusFailed, cause.Error())

	return &ExecutionError{ExecutionID: exec.ID, Err: cause}
}

// Cancel requests cancellation. It reports false when the execution is
// already terminal or every host has already finished.
func (s *ExecutionService) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	state := s.live[id]
	s.mu.RUnlock()

	if state == nil {
		exec, err := s.repo.Get(ctx, id)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
		}
		if exec == nil {
			return false, ErrExecutionNotFound
		}
		return false, nil
	}

	accepted := state.requestCancel()
	s.logger.Infow("execution_cancel_requested", "execution_id", id, "accepted", accepted)
	return accepted, nil
}

// GetExecution returns the live snapshot of a running execution or the
// stored record of a finished one.
func (s *ExecutionService) GetExecution(ctx context.Context, id string) (*domain.CommandExecution, error) {
	s.mu.RLock()
	state := s.live[id]
	s.mu.RUnlock()
	if state != nil {
		return state.snapshot(), nil
	}

	exec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// History lists executions, most recent first. Running executions are
// overlaid with their live state.
func (s *ExecutionService) History(ctx context.Context, limit int) ([]domain.CommandExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	execs, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range execs {
		if state := s.live[execs[i].ID]; state != nil {
			execs[i] = *state.snapshot()
		}
	}
	return execs, nil
}

// Watch returns the current snapshot and, for a running execution, a
// subscription that receives every later event. The subscription is nil
// when the execution is already terminal.
func (s *ExecutionService) Watch(ctx context.Context, id string) (*domain.CommandExecution, *Subscription, error) {
	s.mu.RLock()
	state := s.live[id]
	s.mu.RUnlock()
	if state != nil {
		snap, sub := state.watch()
		return snap, sub, nil
	}

	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return exec, nil, nil
}

// Subscribe delivers terminal host results to onResult and the final
// execution to onComplete. Results already terminal at subscription time are
// replayed first. The returned function stops delivery.
func (s *ExecutionService) Subscribe(ctx context.Context, id string, onResult func(domain.CommandResult), onComplete func(*domain.CommandExecution)) (func(), error) {
	snap, sub, err := s.Watch(ctx, id)
	if err != nil {
		return nil, err
	}

	replay := func() {
		if onResult == nil {
			return
		}
		for _, r := range snap.Results {
			if r.Status.IsTerminal() {
				onResult(r)
			}
		}
	}

	if sub == nil {
		replay()
		if onComplete != nil {
			onComplete(snap)
		}
		return func() {}, nil
	}

	go func() {
		replay()
		for ev := range sub.C() {
			switch ev.Type {
			case domain.EventHostResultUpdated:
				if onResult != nil && ev.Result != nil {
					onResult(*ev.Result)
				}
			case domain.EventExecutionCompleted:
				if onComplete != nil {
					onComplete(ev.Execution)
				}
			}
		}
	}()
	return sub.Close, nil
}

// Wait blocks until the execution is terminal or ctx is done.
func (s *ExecutionService) Wait(ctx context.Context, id string) (*domain.CommandExecution, error) {
	s.mu.RLock()
	state := s.live[id]
	s.mu.RUnlock()
	if state != nil {
		select {
		case <-state.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return state.snapshot(), nil
	}
	return s.GetExecution(ctx, id)
}

// PruneHistory removes executions that started before now-retention.
func (s *ExecutionService) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		s.logger.Errorw("execution_history_prune_failed", "error", err)
		return 0, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}
	if n > 0 {
		s.logger.Infow("execution_history_pruned", "count", n, "retention", retention)
	}
	return n, nil
}

// Shutdown cancels every running execution, waits for them to unwind and
// flushes pending history writes.
func (s *ExecutionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	states := make([]*executionState, 0, len(s.live))
	for _, st := range s.live {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		st.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.writer.Close()
	return err
}

func (s *ExecutionService) recordTimeline(ctx context.Context, exec *domain.CommandExecution, eventType string, status domain.EventStatus, msg string) {
	if s.timeline == nil {
		return
	}

	meta := domain.JSONB{
		"execution_id": exec.ID,
		"command_name": exec.CommandName,
		"target_os":    string(exec.TargetOS),
		"targets":      len(exec.ConnectionIDs),
		"status":       string(exec.Status),
	}
	if v := ctx.Value("request_id"); v != nil {
		meta["request_id"] = v
	}

	event := &domain.TimelineEvent{
		Type:         eventType,
		Status:       status,
		Message:      msg,
		Meta:         meta,
		ResourceType: domain.ResourceTypeExecution,
		CreatedAt:    time.Now(),
	}
	if err := s.timeline.Create(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Errorw("execution_timeline_event_failed", "execution_id", exec.ID, "error", err)
	}
}

func commandName(spec domain.CommandSpec) string {
	if name := strings.TrimSpace(spec.Name); name != "" {
		return name
	}
	line := strings.TrimSpace(spec.Body)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if len(line) > maxCommandName {
		line = line[:maxCommandName] + "..."
	}
	return line
}
