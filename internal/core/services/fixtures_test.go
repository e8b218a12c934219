package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/infrastructure/memstore"
	"github.com/netly/fleet/internal/infrastructure/remote"
	"github.com/stretchr/testify/require"
)

// staticProvider is a HostProvider over a fixed host list.
type staticProvider struct {
	hosts  []domain.Host
	groups map[uint][]uint
	err    error
}

func (p *staticProvider) ListHosts(ctx context.Context) ([]domain.Host, error) {
	if p.err != nil {
		return nil, p.err
	}
	return append([]domain.Host(nil), p.hosts...), nil
}

func (p *staticProvider) GroupMembers(ctx context.Context, groupID uint) ([]uint, error) {
	ids, ok := p.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, groupID)
	}
	return ids, nil
}

func linuxHost(id uint, name string) domain.Host {
	return domain.Host{ConnectionID: id, Name: name, Hostname: name, Port: 22, OSType: "ubuntu", ConnectionType: domain.ConnectionSSH}
}

func windowsHost(id uint, name string) domain.Host {
	return domain.Host{ConnectionID: id, Name: name, Hostname: name, Port: 22, OSType: "windows", ConnectionType: domain.ConnectionSSH}
}

// numberedHosts returns H1..Hn, all linux.
func numberedHosts(n int) []domain.Host {
	hosts := make([]domain.Host, 0, n)
	for i := 1; i <= n; i++ {
		hosts = append(hosts, linuxHost(uint(i), fmt.Sprintf("H%d", i)))
	}
	return hosts
}

type engine struct {
	svc      *ExecutionService
	store    *memstore.ExecutionStore
	mock     *remote.MockExecutor
	timeline *fakeTimelineRepo
}

type engineOptions struct {
	workers     int
	maxWorkers  int
	hostTimeout time.Duration
	cancelGrace time.Duration
}

func newEngine(t *testing.T, provider *staticProvider, opts engineOptions) *engine {
	t.Helper()
	log := logger.NewNop()
	mock := remote.NewMockExecutor()
	registry := NewExecutorRegistry()
	registry.Register(domain.ConnectionSSH, mock)

	store := memstore.NewExecutionStore()
	timeline := &fakeTimelineRepo{}
	svc := NewExecutionService(ExecutionServiceConfig{
		Resolver:    NewHostResolver(provider),
		Runner:      NewTaskRunner(TaskRunnerConfig{Executors: registry, CancelGrace: opts.cancelGrace, Logger: log}),
		Repository:  store,
		Timeline:    timeline,
		Logger:      log,
		Workers:     opts.workers,
		MaxWorkers:  opts.maxWorkers,
		HostTimeout: opts.hostTimeout,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &engine{svc: svc, store: store, mock: mock, timeline: timeline}
}

func waitFor(t *testing.T, svc *ExecutionService, id string) *domain.CommandExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

// collect drains a subscription until it closes.
func collect(t *testing.T, sub *Subscription) []domain.ExecutionEvent {
	t.Helper()
	var events []domain.ExecutionEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("subscription did not close, got %d events", len(events))
			return events
		}
	}
}

func resultsByName(exec *domain.CommandExecution) map[string]domain.CommandResult {
	out := make(map[string]domain.CommandResult, len(exec.Results))
	for _, r := range exec.Results {
		out[r.ConnectionName] = r
	}
	return out
}

// ==================== fake repositories ====================

type fakeTimelineRepo struct {
	mu     sync.Mutex
	events []domain.TimelineEvent
}

func (r *fakeTimelineRepo) Create(ctx context.Context, event *domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = uint(len(r.events) + 1)
	r.events = append(r.events, *event)
	return nil
}

func (r *fakeTimelineRepo) GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].ID == id {
			ev := r.events[i]
			return &ev, nil
		}
	}
	return nil, nil
}

func (r *fakeTimelineRepo) GetByResource(ctx context.Context, resourceType string, resourceID uint) ([]domain.TimelineEvent, error) {
	return nil, nil
}

func (r *fakeTimelineRepo) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TimelineEvent(nil), r.events...), nil
}

func (r *fakeTimelineRepo) Update(ctx context.Context, event *domain.TimelineEvent) error {
	return nil
}

func (r *fakeTimelineRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.events[:0]
	var n int64
	for _, ev := range r.events {
		if ev.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return n, nil
}

func (r *fakeTimelineRepo) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeConnectionRepo struct {
	mu     sync.Mutex
	nextID uint
	conns  map[uint]domain.Connection
}

func newFakeConnectionRepo() *fakeConnectionRepo {
	return &fakeConnectionRepo{conns: map[uint]domain.Connection{}}
}

func (r *fakeConnectionRepo) Create(ctx context.Context, conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	conn.ID = r.nextID
	r.conns[conn.ID] = *conn
	return nil
}

func (r *fakeConnectionRepo) GetByID(ctx context.Context, id uint) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *fakeConnectionRepo) GetByIDs(ctx context.Context, ids []uint) ([]domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Connection
	for _, id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeConnectionRepo) GetAll(ctx context.Context) ([]domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	// Reverse id order, so callers that need id order have to sort.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *fakeConnectionRepo) Update(ctx context.Context, conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = *conn
	return nil
}

func (r *fakeConnectionRepo) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return nil
}

type fakeGroupRepo struct {
	mu      sync.Mutex
	nextID  uint
	groups  map[uint]domain.Group
	members map[uint][]uint
}

func newFakeGroupRepo() *fakeGroupRepo {
	return &fakeGroupRepo{groups: map[uint]domain.Group{}, members: map[uint][]uint{}}
}

func (r *fakeGroupRepo) Create(ctx context.Context, group *domain.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	group.ID = r.nextID
	r.groups[group.ID] = *group
	return nil
}

func (r *fakeGroupRepo) GetByID(ctx context.Context, id uint) (*domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (r *fakeGroupRepo) GetAll(ctx context.Context) ([]domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out, nil
}

func (r *fakeGroupRepo) SetMembers(ctx context.Context, groupID uint, connectionIDs []uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[groupID] = append([]uint(nil), connectionIDs...)
	return nil
}

func (r *fakeGroupRepo) Members(ctx context.Context, groupID uint) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.members[groupID]...), nil
}

func (r *fakeGroupRepo) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, id)
	delete(r.members, id)
	return nil
}

type fakeCredentialRepo struct {
	mu     sync.Mutex
	nextID uint
	creds  map[uint]domain.Credential
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{creds: map[uint]domain.Credential{}}
}

func (r *fakeCredentialRepo) Create(ctx context.Context, cred *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	cred.ID = r.nextID
	r.creds[cred.ID] = *cred
	return nil
}

func (r *fakeCredentialRepo) GetByID(ctx context.Context, id uint) (*domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *fakeCredentialRepo) GetAll(ctx context.Context) ([]domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Credential, 0, len(r.creds))
	for _, c := range r.creds {
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeCredentialRepo) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, id)
	return nil
}

type fakeSettingRepo struct {
	mu       sync.Mutex
	settings map[string]domain.SystemSetting
}

func newFakeSettingRepo() *fakeSettingRepo {
	return &fakeSettingRepo{settings: map[string]domain.SystemSetting{}}
}

func (r *fakeSettingRepo) Get(ctx context.Context, key string) (*domain.SystemSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *fakeSettingRepo) Set(ctx context.Context, setting *domain.SystemSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[setting.Key] = *setting
	return nil
}

func (r *fakeSettingRepo) GetByCategory(ctx context.Context, category string) ([]domain.SystemSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SystemSetting
	for _, s := range r.settings {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeSettingRepo) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.settings, key)
	return nil
}
