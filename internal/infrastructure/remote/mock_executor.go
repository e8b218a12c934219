package remote

import (
	"context"
	"sync"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
)

// MockExecutor is a scripted RemoteExecutor for tests and dry runs. Results
// are keyed by hostname; unknown hosts get the default result.
type MockExecutor struct {
	mu        sync.Mutex
	results   map[string]MockResult
	fallback  MockResult
	opened    int
	closed    int
	active    int
	maxActive int
	order     []string
	onExec    func(host domain.Host)
}

type MockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	// OpenErr fails the session before any command runs.
	OpenErr error
	Delay   time.Duration
	// IgnoreCancel keeps the command "running" for Delay even after ctx is
	// done, like a session that does not answer signals.
	IgnoreCancel bool
}

var _ ports.RemoteExecutor = (*MockExecutor)(nil)

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{results: map[string]MockResult{}}
}

func (m *MockExecutor) Set(hostname string, res MockResult) {
	m.mu.Lock()
	m.results[hostname] = res
	m.mu.Unlock()
}

func (m *MockExecutor) SetDefault(res MockResult) {
	m.mu.Lock()
	m.fallback = res
	m.mu.Unlock()
}

// OnExec registers fn to be called when a command starts on a host.
func (m *MockExecutor) OnExec(fn func(host domain.Host)) {
	m.mu.Lock()
	m.onExec = fn
	m.mu.Unlock()
}

func (m *MockExecutor) resultFor(hostname string) MockResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[hostname]; ok {
		return r
	}
	return m.fallback
}

func (m *MockExecutor) Open(ctx context.Context, host domain.Host, cred *domain.HostCredential) (ports.Session, error) {
	res := m.resultFor(host.Hostname)
	if res.OpenErr != nil {
		return nil, res.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.opened++
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	m.mu.Unlock()
	return &mockSession{exec: m, host: host, res: res}, nil
}

// Opened returns how many sessions were opened.
func (m *MockExecutor) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Closed returns how many sessions were closed.
func (m *MockExecutor) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MaxActive returns the highest number of sessions open at the same time.
func (m *MockExecutor) MaxActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// Started returns hostnames in the order their commands started.
func (m *MockExecutor) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

type mockSession struct {
	exec *MockExecutor
	host domain.Host
	res  MockResult
	once sync.Once
}

func (s *mockSession) Exec(ctx context.Context, req ports.ExecRequest) (ports.ExecOutput, error) {
	s.exec.mu.Lock()
	s.exec.order = append(s.exec.order, s.host.Hostname)
	hook := s.exec.onExec
	s.exec.mu.Unlock()
	if hook != nil {
		hook(s.host)
	}

	if s.res.Delay > 0 {
		if s.res.IgnoreCancel {
			time.Sleep(s.res.Delay)
		} else {
			timer := time.NewTimer(s.res.Delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ports.ExecOutput{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return ports.ExecOutput{
		ExitCode: s.res.ExitCode,
		Stdout:   s.res.Stdout,
		Stderr:   s.res.Stderr,
	}, s.res.Err
}

func (s *mockSession) Close() error {
	s.once.Do(func() {
		s.exec.mu.Lock()
		s.exec.closed++
		s.exec.active--
		s.exec.mu.Unlock()
	})
	return nil
}
