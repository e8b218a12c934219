package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/pkg/utils/glob"
)

// ConnectionService manages connections and groups and is the HostProvider
// the resolver reads from.
type ConnectionService struct {
	repo        ports.ConnectionRepository
	groups      ports.GroupRepository
	timeline    ports.TimelineRepository
	logger      *logger.Logger
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	enableLocks bool
}

type ConnectionServiceConfig struct {
	Repository   ports.ConnectionRepository
	Groups       ports.GroupRepository
	TimelineRepo ports.TimelineRepository
	Logger       *logger.Logger
	EnableLocks  bool
}

func NewConnectionService(cfg ConnectionServiceConfig) *ConnectionService {
	return &ConnectionService{
		repo:        cfg.Repository,
		groups:      cfg.Groups,
		timeline:    cfg.TimelineRepo,
		logger:      cfg.Logger,
		locks:       make(map[string]*sync.Mutex),
		enableLocks: cfg.EnableLocks,
	}
}

func (s *ConnectionService) lockKeys(keys ...string) func() {
	if !s.enableLocks || len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := s.locks[k]
		if m == nil {
			m = &sync.Mutex{}
			s.locks[k] = m
		}
		acquired = append(acquired, m)
	}
	s.mu.Unlock()
	for _, m := range acquired {
		m.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

// ==================== Connections ====================

func (s *ConnectionService) CreateConnection(ctx context.Context, input ports.CreateConnectionInput) (*domain.Connection, error) {
	if input.Type == "" {
		input.Type = domain.ConnectionSSH
	}
	if input.Port == 0 && input.Type == domain.ConnectionSSH {
		input.Port = 22
	}
	if err := validateConnectionInput(input); err != nil {
		return nil, err
	}

	unlock := s.lockKeys(fmt.Sprintf("conn:%s:%d", strings.ToLower(input.Hostname), input.Port))
	defer unlock()

	conn := &domain.Connection{
		Name:         strings.TrimSpace(input.Name),
		Hostname:     strings.TrimSpace(input.Hostname),
		Port:         input.Port,
		Type:         input.Type,
		OSType:       strings.ToLower(strings.TrimSpace(input.OSType)),
		Username:     input.Username,
		Description:  input.Description,
		IsActive:     true,
		CredentialID: input.CredentialID,
	}
	if err := s.repo.Create(ctx, conn); err != nil {
		s.logger.Errorw("connection_create_failed", "hostname", conn.Hostname, "error", err)
		return nil, err
	}

	s.logEvent(ctx, conn.ID, domain.EventTypeConnectionCreated, fmt.Sprintf("Connection %s (%s) created", conn.Name, conn.Hostname))
	return conn, nil
}

func validateConnectionInput(input ports.CreateConnectionInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrConnectionInvalidInput)
	}
	if strings.TrimSpace(input.Hostname) == "" && input.Type != domain.ConnectionLocal {
		return fmt.Errorf("%w: hostname is required", ErrConnectionInvalidInput)
	}
	if !input.Type.Valid() {
		return fmt.Errorf("%w: unknown connection type %q", ErrConnectionInvalidInput, input.Type)
	}
	if input.Port < 0 || input.Port > 65535 {
		return fmt.Errorf("%w: port out of range", ErrConnectionInvalidInput)
	}
	return nil
}

func (s *ConnectionService) GetConnections(ctx context.Context) ([]domain.Connection, error) {
	return s.repo.GetAll(ctx)
}

func (s *ConnectionService) GetConnectionByID(ctx context.Context, id uint) (*domain.Connection, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

func (s *ConnectionService) UpdateConnection(ctx context.Context, id uint, input ports.UpdateConnectionInput) (*domain.Connection, error) {
	unlock := s.lockKeys(fmt.Sprintf("connid:%d", id))
	defer unlock()

	conn, err := s.GetConnectionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		conn.Name = strings.TrimSpace(*input.Name)
	}
	if input.Hostname != nil {
		conn.Hostname = strings.TrimSpace(*input.Hostname)
	}
	if input.Port != nil {
		conn.Port = *input.Port
	}
	if input.OSType != nil {
		conn.OSType = strings.ToLower(strings.TrimSpace(*input.OSType))
	}
	if input.Username != nil {
		conn.Username = *input.Username
	}
	if input.Description != nil {
		conn.Description = *input.Description
	}
	if input.IsActive != nil {
		conn.IsActive = *input.IsActive
	}
	if input.CredentialID != nil {
		conn.CredentialID = input.CredentialID
		if *input.CredentialID == 0 {
			conn.CredentialID = nil
		}
	}

	if err := validateConnectionInput(ports.CreateConnectionInput{
		Name: conn.Name, Hostname: conn.Hostname, Port: conn.Port, Type: conn.Type,
	}); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *ConnectionService) DeleteConnection(ctx context.Context, id uint) error {
	unlock := s.lockKeys(fmt.Sprintf("connid:%d", id))
	defer unlock()

	conn, err := s.GetConnectionByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logEvent(ctx, id, domain.EventTypeConnectionDeleted, fmt.Sprintf("Connection %s (%s) deleted", conn.Name, conn.Hostname))
	return nil
}

// ==================== Groups ====================

func (s *ConnectionService) CreateGroup(ctx context.Context, input ports.CreateGroupInput) (*domain.Group, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrGroupInvalidInput)
	}
	if input.RulePattern != "" {
		if _, err := glob.Compile(input.RulePattern); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGroupInvalidInput, err)
		}
	}
	if (input.RulePattern != "" || input.RuleOSType != "") && len(input.ConnectionIDs) > 0 {
		return nil, fmt.Errorf("%w: a dynamic group cannot have static members", ErrGroupInvalidInput)
	}

	group := &domain.Group{
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
		RulePattern: input.RulePattern,
		RuleOSType:  strings.ToLower(input.RuleOSType),
	}
	if err := s.groups.Create(ctx, group); err != nil {
		s.logger.Errorw("group_create_failed", "name", group.Name, "error", err)
		return nil, err
	}
	if len(input.ConnectionIDs) > 0 {
		if err := s.SetGroupMembers(ctx, group.ID, input.ConnectionIDs); err != nil {
			return nil, err
		}
	}
	return s.GetGroup(ctx, group.ID)
}

func (s *ConnectionService) GetGroups(ctx context.Context) ([]domain.Group, error) {
	return s.groups.GetAll(ctx)
}

func (s *ConnectionService) GetGroup(ctx context.Context, id uint) (*domain.Group, error) {
	group, err := s.groups.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}
	return group, nil
}

// SetGroupMembers replaces the members of a static group. Order is kept and
// duplicates are dropped.
func (s *ConnectionService) SetGroupMembers(ctx context.Context, groupID uint, connectionIDs []uint) error {
	unlock := s.lockKeys(fmt.Sprintf("group:%d", groupID))
	defer unlock()

	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.IsDynamic() {
		return fmt.Errorf("%w: group %q is rule based", ErrGroupInvalidInput, group.Name)
	}

	ids := slice.Unique(connectionIDs)
	found, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(found) != len(ids) {
		have := slice.Map(found, func(_ int, c domain.Connection) uint { return c.ID })
		return fmt.Errorf("%w: unknown connections %v", ErrGroupInvalidInput, slice.Difference(ids, have))
	}
	return s.groups.SetMembers(ctx, groupID, ids)
}

func (s *ConnectionService) DeleteGroup(ctx context.Context, id uint) error {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return err
	}
	return s.groups.Delete(ctx, id)
}

// ==================== HostProvider ====================

func (s *ConnectionService) ListHosts(ctx context.Context) ([]domain.Host, error) {
	conns, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })

	hosts := make([]domain.Host, 0, len(conns))
	for _, c := range conns {
		if c.IsActive {
			hosts = append(hosts, c.ToHost())
		}
	}
	return hosts, nil
}

// GroupMembers returns member ids in group order. Rule based groups are
// evaluated against the current connections in id order.
func (s *ConnectionService) GroupMembers(ctx context.Context, groupID uint) ([]uint, error) {
	group, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, groupID)
	}
	if !group.IsDynamic() {
		return s.groups.Members(ctx, groupID)
	}

	hosts, err := s.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	var pattern *glob.Pattern
	if group.RulePattern != "" {
		if pattern, err = glob.Compile(group.RulePattern); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
	}
	ids := make([]uint, 0, len(hosts))
	for _, h := range hosts {
		if pattern != nil && !pattern.MatchAny(h.Hostname, h.Name) {
			continue
		}
		if group.RuleOSType != "" && !matchOSType(group.RuleOSType, h.OSType) {
			continue
		}
		ids = append(ids, h.ConnectionID)
	}
	return ids, nil
}

func (s *ConnectionService) logEvent(ctx context.Context, connID uint, eventType, msg string) {
	if s.timeline == nil {
		return
	}
	meta := domain.JSONB{}
	if v := ctx.Value("request_id"); v != nil {
		meta["request_id"] = v
	}
	id := connID
	event := &domain.TimelineEvent{
		Type:         eventType,
		Status:       domain.EventStatusSuccess,
		Message:      msg,
		Meta:         meta,
		ResourceID:   &id,
		ResourceType: domain.ResourceTypeConnection,
		CreatedAt:    time.Now(),
	}
	if err := s.timeline.Create(ctx, event); err != nil {
		s.logger.Errorw("connection_timeline_event_failed", "error", err)
	}
}
