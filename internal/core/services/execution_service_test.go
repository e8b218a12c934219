package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteUptimeOnLinuxGroup(t *testing.T) {
	provider := &staticProvider{
		hosts: []domain.Host{
			linuxHost(1, "web-1"),
			linuxHost(2, "web-2"),
			windowsHost(3, "win-1"),
			linuxHost(4, "db-1"),
		},
		groups: map[uint][]uint{7: {1, 2, 3, 4}},
	}
	e := newEngine(t, provider, engineOptions{workers: 4})
	e.mock.SetDefault(remote.MockResult{Stdout: " 10:00:00 up 3 days"})

	// Hold every host until the subscription is attached.
	release := make(chan struct{})
	e.mock.OnExec(func(domain.Host) { <-release })

	ticket, err := e.svc.Execute(context.Background(),
		domain.CommandSpec{Body: "uptime", TargetOS: domain.TargetOSLinux},
		domain.HostFilter{Type: domain.FilterGroup, GroupID: 7})
	require.NoError(t, err)
	assert.Equal(t, 3, ticket.TargetCount)

	snap, sub, err := e.svc.Watch(context.Background(), ticket.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, domain.ExecutionRunning, snap.Status)
	close(release)

	events := collect(t, sub)
	var updates, completions int
	for i, ev := range events {
		switch ev.Type {
		case domain.EventHostResultUpdated:
			updates++
			assert.Zero(t, completions, "result update after completion")
		case domain.EventExecutionCompleted:
			completions++
			assert.Equal(t, len(events)-1, i)
		}
	}
	assert.Equal(t, 3, updates)
	assert.Equal(t, 1, completions)

	final := waitFor(t, e.svc, ticket.ExecutionID)
	assert.Equal(t, domain.ExecutionCompleted, final.Status)
	require.Len(t, final.Results, 3)
	for _, r := range final.Results {
		assert.Equal(t, domain.ResultSuccess, r.Status)
		require.NotNil(t, r.ExitCode)
		assert.Equal(t, 0, *r.ExitCode)
		assert.NotEqual(t, "win-1", r.ConnectionName)
	}
	assert.ElementsMatch(t, domain.IDList{1, 2, 4}, final.ConnectionIDs)
}

func TestExecuteIsolatesConnectionFailure(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(4)}
	e := newEngine(t, provider, engineOptions{workers: 2})
	e.mock.SetDefault(remote.MockResult{Stdout: "ok"})
	e.mock.Set("H2", remote.MockResult{OpenErr: remote.Classify(fmt.Errorf("dial: %w", syscall.ECONNREFUSED))})

	ticket, err := e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	require.NoError(t, err)

	final := waitFor(t, e.svc, ticket.ExecutionID)
	assert.Equal(t, domain.ExecutionCompleted, final.Status)
	byName := resultsByName(final)
	assert.Equal(t, domain.ResultError, byName["H2"].Status)
	assert.Equal(t, "Connection refused", byName["H2"].Error)
	for _, name := range []string{"H1", "H3", "H4"} {
		assert.Equal(t, domain.ResultSuccess, byName[name].Status, name)
	}
}

func TestExecuteCancelMidRun(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(10)}
	e := newEngine(t, provider, engineOptions{workers: 3, cancelGrace: 500 * time.Millisecond})
	// H1..H4 finish at once; the rest ignore the cancel signal, so unwinding
	// takes the full grace.
	e.mock.SetDefault(remote.MockResult{Delay: 10 * time.Second, IgnoreCancel: true})
	for i := 1; i <= 4; i++ {
		e.mock.Set(fmt.Sprintf("H%d", i), remote.MockResult{Stdout: "up"})
	}

	var mu sync.Mutex
	started := 0
	sevenStarted := make(chan struct{})
	e.mock.OnExec(func(domain.Host) {
		mu.Lock()
		defer mu.Unlock()
		started++
		if started == 7 {
			close(sevenStarted)
		}
	})

	ticket, err := e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	require.NoError(t, err)

	// With three workers, a seventh start means H1..H4 are done and H5..H7
	// hold every worker.
	select {
	case <-sevenStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("workers never reached H7")
	}

	ok, err := e.svc.Cancel(context.Background(), ticket.ExecutionID)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second cancel while unwinding is still accepted.
	ok, err = e.svc.Cancel(context.Background(), ticket.ExecutionID)
	require.NoError(t, err)
	assert.True(t, ok)

	final := waitFor(t, e.svc, ticket.ExecutionID)
	assert.Equal(t, domain.ExecutionCancelled, final.Status)
	byName := resultsByName(final)
	for i := 1; i <= 4; i++ {
		r := byName[fmt.Sprintf("H%d", i)]
		assert.Equal(t, domain.ResultSuccess, r.Status)
		assert.Equal(t, "up", r.Stdout)
	}
	for i := 5; i <= 7; i++ {
		assert.Equal(t, domain.ResultCancelled, byName[fmt.Sprintf("H%d", i)].Status)
	}
	for i := 8; i <= 10; i++ {
		r := byName[fmt.Sprintf("H%d", i)]
		assert.Equal(t, domain.ResultSkipped, r.Status)
		assert.Nil(t, r.StartedAt)
	}
	counts := final.ResultCounts()
	assert.Equal(t, 4, counts[domain.ResultSuccess])
	assert.Equal(t, 3, counts[domain.ResultCancelled])
	assert.Equal(t, 3, counts[domain.ResultSkipped])

	assert.Equal(t, 7, e.mock.Opened())
	assert.LessOrEqual(t, e.mock.MaxActive(), 3)
	assert.Eventually(t, func() bool { return e.mock.Closed() == 7 }, 2*time.Second, 10*time.Millisecond)

	// Finished and cancelled results are persisted with their terminal status.
	stored, err := e.store.Get(context.Background(), ticket.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, stored.Status)
	assert.Equal(t, 4, stored.ResultCounts()[domain.ResultSuccess])
	assert.Contains(t, e.timeline.types(), domain.EventTypeExecutionCancelled)
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(2)}
	e := newEngine(t, provider, engineOptions{})

	ticket, err := e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	require.NoError(t, err)
	before := waitFor(t, e.svc, ticket.ExecutionID)

	ok, err := e.svc.Cancel(context.Background(), ticket.ExecutionID)
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := e.svc.GetExecution(context.Background(), ticket.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, after.Status)
	assert.Equal(t, before.Results, after.Results)

	_, err = e.svc.Cancel(context.Background(), "no-such-execution")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecuteRespectsWorkerBound(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(12)}
	e := newEngine(t, provider, engineOptions{workers: 8})
	e.mock.SetDefault(remote.MockResult{Delay: 30 * time.Millisecond})

	ticket, err := e.svc.ExecuteWithOptions(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll}, ExecuteOptions{Workers: 3})
	require.NoError(t, err)
	final := waitFor(t, e.svc, ticket.ExecutionID)

	assert.Equal(t, domain.ExecutionCompleted, final.Status)
	assert.LessOrEqual(t, e.mock.MaxActive(), 3)
	assert.Equal(t, 12, e.mock.Opened())
	assert.Equal(t, 12, e.mock.Closed())
	assert.Len(t, e.mock.Started(), 12)
}

func TestExecuteClampsWorkersToMax(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(20)}
	e := newEngine(t, provider, engineOptions{workers: 2, maxWorkers: 4})
	e.mock.SetDefault(remote.MockResult{Delay: 50 * time.Millisecond})

	ticket, err := e.svc.ExecuteWithOptions(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll}, ExecuteOptions{Workers: 100000})
	require.NoError(t, err)
	final := waitFor(t, e.svc, ticket.ExecutionID)

	assert.Equal(t, domain.ExecutionCompleted, final.Status)
	assert.LessOrEqual(t, e.mock.MaxActive(), 4)
	assert.Equal(t, 20, e.mock.Opened())
}

func TestConfiguredWorkersNeverExceedMax(t *testing.T) {
	svc := NewExecutionService(ExecutionServiceConfig{Workers: 500, MaxWorkers: 16})
	assert.Equal(t, 16, svc.workers)

	svc = NewExecutionService(ExecutionServiceConfig{Workers: 500})
	assert.Equal(t, defaultMaxWorkers, svc.workers)
}

func TestExecuteHostTimeout(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(2)}
	e := newEngine(t, provider, engineOptions{cancelGrace: 100 * time.Millisecond})
	e.mock.Set("H1", remote.MockResult{Delay: 5 * time.Second})

	ticket, err := e.svc.ExecuteWithOptions(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll},
		ExecuteOptions{HostTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	final := waitFor(t, e.svc, ticket.ExecutionID)
	byName := resultsByName(final)
	assert.Equal(t, domain.ResultError, byName["H1"].Status)
	assert.Contains(t, byName["H1"].Error, "timed out")
	assert.Equal(t, domain.ResultSuccess, byName["H2"].Status)
	assert.Equal(t, domain.ExecutionCompleted, final.Status)
}

func TestExecuteRejections(t *testing.T) {
	provider := &staticProvider{hosts: []domain.Host{windowsHost(1, "win")}}
	e := newEngine(t, provider, engineOptions{})
	ctx := context.Background()

	_, err := e.svc.Execute(ctx, domain.CommandSpec{Body: "   "}, domain.HostFilter{Type: domain.FilterAll})
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = e.svc.Execute(ctx, domain.CommandSpec{Body: "uptime", TargetOS: domain.TargetOSLinux}, domain.HostFilter{Type: domain.FilterAll})
	assert.ErrorIs(t, err, ErrNoTargets)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))

	// The failed attempt is still part of history.
	stored, err := e.svc.GetExecution(ctx, execErr.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, stored.Status)
	assert.Empty(t, stored.Results)

	_, err = e.svc.Execute(ctx, uptime, domain.HostFilter{Type: domain.FilterGroup, GroupID: 9})
	assert.ErrorIs(t, err, ErrResolution)

	ticket, err := e.svc.ExecuteWithOptions(ctx, domain.CommandSpec{Body: "uptime", TargetOS: domain.TargetOSLinux},
		domain.HostFilter{Type: domain.FilterAll}, ExecuteOptions{AllowEmpty: true})
	require.NoError(t, err)
	assert.Zero(t, ticket.TargetCount)
	final := waitFor(t, e.svc, ticket.ExecutionID)
	assert.Equal(t, domain.ExecutionCompleted, final.Status)
	assert.Empty(t, final.Results)
}

func TestExecuteHistoryUnavailable(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(1)}
	e := newEngine(t, provider, engineOptions{})
	e.store.FailWith(errors.New("disk full"))

	_, err := e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.Zero(t, e.mock.Opened())
}

func TestSubscribeLateJoinerGetsSnapshot(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(3)}
	e := newEngine(t, provider, engineOptions{workers: 3})
	e.mock.Set("H3", remote.MockResult{Delay: 300 * time.Millisecond})

	ticket, err := e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	require.NoError(t, err)

	// Join after H1 and H2 are done.
	require.Eventually(t, func() bool {
		exec, err := e.svc.GetExecution(context.Background(), ticket.ExecutionID)
		if err != nil {
			return false
		}
		c := exec.ResultCounts()
		return c[domain.ResultSuccess] == 2
	}, 2*time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	seen := map[uint]int{}
	completed := make(chan *domain.CommandExecution, 1)
	stop, err := e.svc.Subscribe(context.Background(), ticket.ExecutionID,
		func(r domain.CommandResult) {
			mu.Lock()
			seen[r.ConnectionID]++
			mu.Unlock()
		},
		func(exec *domain.CommandExecution) { completed <- exec })
	require.NoError(t, err)
	defer stop()

	select {
	case exec := <-completed:
		assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("completion not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for id := uint(1); id <= 3; id++ {
		assert.GreaterOrEqual(t, seen[id], 1, "host %d", id)
	}

	// Subscribing after the end replays the stored execution.
	replayed := 0
	var last *domain.CommandExecution
	_, err = e.svc.Subscribe(context.Background(), ticket.ExecutionID,
		func(domain.CommandResult) { replayed++ },
		func(exec *domain.CommandExecution) { last = exec })
	require.NoError(t, err)
	assert.Equal(t, 3, replayed)
	require.NotNil(t, last)
	assert.Equal(t, domain.ExecutionCompleted, last.Status)
}

func TestTerminalCardinality(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(20)}
	e := newEngine(t, provider, engineOptions{workers: 4, cancelGrace: 200 * time.Millisecond})
	e.mock.SetDefault(remote.MockResult{Delay: 20 * time.Millisecond})
	e.mock.Set("H5", remote.MockResult{ExitCode: 1})
	release := make(chan struct{})
	e.mock.OnExec(func(domain.Host) { <-release })

	ticket, err := e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	require.NoError(t, err)
	_, sub, err := e.svc.Watch(context.Background(), ticket.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	close(release)
	time.AfterFunc(50*time.Millisecond, func() { _, _ = e.svc.Cancel(context.Background(), ticket.ExecutionID) })

	final := waitFor(t, e.svc, ticket.ExecutionID)
	require.Len(t, final.Results, 20)
	for _, r := range final.Results {
		assert.True(t, r.Status.IsTerminal(), "host %s ended %s", r.ConnectionName, r.Status)
	}

	terminal := map[uint]int{}
	var lastSeq uint64
	for _, ev := range collect(t, sub) {
		assert.Greater(t, ev.Sequence, lastSeq)
		lastSeq = ev.Sequence
		if ev.Type == domain.EventHostResultUpdated && ev.Result.Status.IsTerminal() {
			terminal[ev.Result.ConnectionID]++
		}
	}
	// Exactly one terminal update per host.
	assert.Len(t, terminal, 20)
	for id, n := range terminal {
		assert.Equal(t, 1, n, "host %d", id)
	}
}

func TestHistoryOverlaysLiveState(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(1)}
	e := newEngine(t, provider, engineOptions{})
	release := make(chan struct{})
	e.mock.OnExec(func(domain.Host) { <-release })

	ticket, err := e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list, err := e.svc.History(context.Background(), 10)
		return err == nil && len(list) == 1 && list[0].Results[0].Status == domain.ResultRunning
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	final := waitFor(t, e.svc, ticket.ExecutionID)
	assert.Equal(t, domain.ExecutionCompleted, final.Status)

	list, err := e.svc.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ticket.ExecutionID, list[0].ID)
}

func TestPruneHistory(t *testing.T) {
	e := newEngine(t, &staticProvider{}, engineOptions{})
	ctx := context.Background()
	require.NoError(t, e.store.Append(ctx, &domain.CommandExecution{ID: "old", Status: domain.ExecutionCompleted, StartedAt: time.Now().Add(-60 * 24 * time.Hour)}))
	require.NoError(t, e.store.Append(ctx, &domain.CommandExecution{ID: "new", Status: domain.ExecutionCompleted, StartedAt: time.Now()}))

	n, err := e.svc.PruneHistory(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.svc.GetExecution(ctx, "old")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestShutdownCancelsRunning(t *testing.T) {
	provider := &staticProvider{hosts: numberedHosts(2)}
	e := newEngine(t, provider, engineOptions{cancelGrace: 200 * time.Millisecond})
	e.mock.SetDefault(remote.MockResult{Delay: 10 * time.Second})

	ticket, err := e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.mock.Opened() == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.svc.Shutdown(ctx))

	stored, err := e.store.Get(context.Background(), ticket.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, stored.Status)

	_, err = e.svc.Execute(context.Background(), uptime, domain.HostFilter{Type: domain.FilterAll})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "deploy", commandName(domain.CommandSpec{Name: " deploy ", Body: "x"}))
	assert.Equal(t, "#!/bin/bash", commandName(domain.CommandSpec{Body: "#!/bin/bash\necho hi"}))
	long := commandName(domain.CommandSpec{Body: string(make([]byte, 100))})
	assert.LessOrEqual(t, len(long), maxCommandName+3)
}
