package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

const defaultCancelGrace = 5 * time.Second

// userMessager is implemented by transport errors that carry a short,
// human-readable description such as "Connection refused".
type userMessager interface {
	UserMessage() string
}

// TaskRunner executes one command against one host through a transient
// session. It never returns an error: every failure is folded into the
// returned result.
type TaskRunner struct {
	executors   *ExecutorRegistry
	credentials ports.CredentialResolver
	cancelGrace time.Duration
	logger      *logger.Logger
}

type TaskRunnerConfig struct {
	Executors   *ExecutorRegistry
	Credentials ports.CredentialResolver
	CancelGrace time.Duration
	Logger      *logger.Logger
}

func NewTaskRunner(cfg TaskRunnerConfig) *TaskRunner {
	grace := cfg.CancelGrace
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &TaskRunner{
		executors:   cfg.Executors,
		credentials: cfg.Credentials,
		cancelGrace: grace,
		logger:      log,
	}
}

type execOutcome struct {
	out ports.ExecOutput
	err error
	// credErr marks a failure to resolve the host's credential.
	credErr bool
}

// sessionHolder closes the session exactly once, from whichever side gets
// there first.
type sessionHolder struct {
	mu      sync.Mutex
	session ports.Session
	closed  bool
}

func (h *sessionHolder) set(s ports.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = s.Close()
		return false
	}
	h.session = s
	return true
}

func (h *sessionHolder) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.session != nil {
		_ = h.session.Close()
	}
}

// Run executes spec on host. ctx is the batch context: cancelling it aborts
// the session and yields a cancelled result within the cancel grace period.
// timeout bounds this host alone.
func (r *TaskRunner) Run(ctx context.Context, host domain.Host, spec domain.CommandSpec, timeout time.Duration) domain.CommandResult {
	started := time.Now()
	result := domain.CommandResult{
		ConnectionID:   host.ConnectionID,
		ConnectionName: host.Name,
		Hostname:       host.Hostname,
		StartedAt:      &started,
	}

	if ctx.Err() != nil {
		return finish(result, domain.ResultCancelled, "cancelled before start")
	}

	exec, err := r.executors.Lookup(host)
	if err != nil {
		return finish(result, domain.ResultError, err.Error())
	}

	if timeout <= 0 {
		timeout = defaultHostTimeout
	}
	execCtx, cancelExec := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancelExec()
	deadline, _ := execCtx.Deadline()

	var batchCancelled atomic.Bool
	stop := context.AfterFunc(ctx, func() {
		batchCancelled.Store(true)
		cancelExec()
	})
	defer stop()

	holder := &sessionHolder{}
	done := make(chan execOutcome, 1)
	go func() {
		// Credential lookup runs under the host deadline and the batch
		// cancel like the rest of the task.
		var cred *domain.HostCredential
		if r.credentials != nil {
			var err error
			cred, err = r.credentials.ResolveCredential(execCtx, host)
			if err != nil {
				done <- execOutcome{err: err, credErr: true}
				return
			}
		}
		session, err := exec.Open(execCtx, host, cred)
		if err != nil {
			done <- execOutcome{err: err}
			return
		}
		if !holder.set(session) {
			done <- execOutcome{err: context.Canceled}
			return
		}
		out, err := session.Exec(execCtx, ports.ExecRequest{
			Command:        spec.Body,
			ScriptLanguage: spec.ScriptLanguage,
			OSFamily:       host.OSFamily(),
		})
		// Closed before reporting so a freed worker never overlaps this session.
		holder.close()
		done <- execOutcome{out: out, err: err}
	}()

	var outcome execOutcome
	abandoned := false
	select {
	case outcome = <-done:
	case <-execCtx.Done():
		unwind := r.cancelGrace
		if batchCancelled.Load() {
			if remaining := time.Until(deadline); remaining < unwind {
				unwind = remaining
			}
		}
		timer := time.NewTimer(unwind)
		select {
		case outcome = <-done:
		case <-timer.C:
			abandoned = true
			holder.close()
		}
		timer.Stop()
	}

	switch {
	case batchCancelled.Load() && (abandoned || outcome.err != nil):
		r.logger.Debugw("task_cancelled", "connection_id", host.ConnectionID, "abandoned", abandoned)
		return finish(result, domain.ResultCancelled, "cancelled by user")

	case abandoned || (outcome.err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)):
		return finish(result, domain.ResultError, fmt.Sprintf("command timed out after %s", formatTimeout(timeout)))

	case outcome.credErr:
		r.logger.Debugw("task_credential_failed", "connection_id", host.ConnectionID, "error", outcome.err)
		return finish(result, domain.ResultError, fmt.Sprintf("%v: %v", ErrNoCredential, outcome.err))

	case outcome.err != nil:
		r.logger.Debugw("task_failed", "connection_id", host.ConnectionID, "error", outcome.err)
		return finish(result, domain.ResultError, describeError(outcome.err))
	}

	code := outcome.out.ExitCode
	result.ExitCode = &code
	result.Stdout = outcome.out.Stdout
	result.Stderr = outcome.out.Stderr
	if code != 0 {
		return finish(result, domain.ResultError, fmt.Sprintf("exit status %d", code))
	}
	return finish(result, domain.ResultSuccess, "")
}

func finish(result domain.CommandResult, status domain.ResultStatus, msg string) domain.CommandResult {
	now := time.Now()
	result.Status = status
	result.Error = msg
	result.CompletedAt = &now
	return result
}

func describeError(err error) string {
	var um userMessager
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return err.Error()
}

func formatTimeout(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
