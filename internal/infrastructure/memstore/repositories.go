package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
)

var (
	_ ports.ConnectionRepository    = (*ConnectionRepository)(nil)
	_ ports.GroupRepository         = (*GroupRepository)(nil)
	_ ports.CredentialRepository    = (*CredentialRepository)(nil)
	_ ports.SystemSettingRepository = (*SettingRepository)(nil)
	_ ports.TimelineRepository      = (*TimelineRepository)(nil)
)

type ConnectionRepository struct {
	mu     sync.RWMutex
	nextID uint
	conns  map[uint]domain.Connection
}

func NewConnectionRepository() *ConnectionRepository {
	return &ConnectionRepository{conns: make(map[uint]domain.Connection)}
}

func (r *ConnectionRepository) Create(ctx context.Context, conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	conn.ID = r.nextID
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = conn.CreatedAt
	r.conns[conn.ID] = *conn
	return nil
}

func (r *ConnectionRepository) GetByID(ctx context.Context, id uint) (*domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *ConnectionRepository) GetByIDs(ctx context.Context, ids []uint) ([]domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *ConnectionRepository) GetAll(ctx context.Context) ([]domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ConnectionRepository) Update(ctx context.Context, conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.UpdatedAt = time.Now()
	r.conns[conn.ID] = *conn
	return nil
}

func (r *ConnectionRepository) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return nil
}

type GroupRepository struct {
	mu      sync.RWMutex
	nextID  uint
	groups  map[uint]domain.Group
	members map[uint][]uint
}

func NewGroupRepository() *GroupRepository {
	return &GroupRepository{groups: make(map[uint]domain.Group), members: make(map[uint][]uint)}
}

func (r *GroupRepository) Create(ctx context.Context, group *domain.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	group.ID = r.nextID
	group.CreatedAt = time.Now()
	group.UpdatedAt = group.CreatedAt
	r.groups[group.ID] = *group
	return nil
}

func (r *GroupRepository) GetByID(ctx context.Context, id uint) (*domain.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (r *GroupRepository) GetAll(ctx context.Context) ([]domain.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *GroupRepository) SetMembers(ctx context.Context, groupID uint, connectionIDs []uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[groupID] = append([]uint(nil), connectionIDs...)
	return nil
}

func (r *GroupRepository) Members(ctx context.Context, groupID uint) ([]uint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint(nil), r.members[groupID]...), nil
}

func (r *GroupRepository) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, id)
	delete(r.members, id)
	return nil
}

type CredentialRepository struct {
	mu     sync.RWMutex
	nextID uint
	creds  map[uint]domain.Credential
}

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{creds: make(map[uint]domain.Credential)}
}

func (r *CredentialRepository) Create(ctx context.Context, cred *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	cred.ID = r.nextID
	cred.CreatedAt = time.Now()
	cred.UpdatedAt = cred.CreatedAt
	r.creds[cred.ID] = *cred
	return nil
}

func (r *CredentialRepository) GetByID(ctx context.Context, id uint) (*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creds[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *CredentialRepository) GetAll(ctx context.Context) ([]domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Credential, 0, len(r.creds))
	for _, c := range r.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *CredentialRepository) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, id)
	return nil
}

type SettingRepository struct {
	mu       sync.RWMutex
	settings map[string]domain.SystemSetting
}

func NewSettingRepository() *SettingRepository {
	return &SettingRepository{settings: make(map[string]domain.SystemSetting)}
}

func (r *SettingRepository) Get(ctx context.Context, key string) (*domain.SystemSetting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *SettingRepository) Set(ctx context.Context, setting *domain.SystemSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[setting.Key] = *setting
	return nil
}

func (r *SettingRepository) GetByCategory(ctx context.Context, category string) ([]domain.SystemSetting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.SystemSetting
	for _, s := range r.settings {
		if s.Category == category {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *SettingRepository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.settings, key)
	return nil
}

type TimelineRepository struct {
	mu     sync.RWMutex
	events []domain.TimelineEvent
}

func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{}
}

func (r *TimelineRepository) Create(ctx context.Context, event *domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = uint(len(r.events) + 1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.events = append(r.events, *event)
	return nil
}

func (r *TimelineRepository) GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.events) {
		return nil, nil
	}
	ev := r.events[id-1]
	return &ev, nil
}

// GetByResource returns the resource's events, newest first.
func (r *TimelineRepository) GetByResource(ctx context.Context, resourceType string, resourceID uint) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.TimelineEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if ev.ResourceType == resourceType && ev.ResourceID != nil && *ev.ResourceID == resourceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// GetAll returns up to limit events, newest first.
func (r *TimelineRepository) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.TimelineEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, r.events[i])
	}
	return out, nil
}

func (r *TimelineRepository) Update(ctx context.Context, event *domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.ID == 0 || int(event.ID) > len(r.events) {
		return nil
	}
	r.events[event.ID-1] = *event
	return nil
}

// DeleteOlderThan drops events created before cutoff. Remaining events are
// renumbered.
func (r *TimelineRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]domain.TimelineEvent, 0, len(r.events))
	for _, ev := range r.events {
		if !ev.CreatedAt.Before(cutoff) {
			ev.ID = uint(len(kept) + 1)
			kept = append(kept, ev)
		}
	}
	n := int64(len(r.events) - len(kept))
	r.events = kept
	return n, nil
}
