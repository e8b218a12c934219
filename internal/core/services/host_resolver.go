package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/pkg/utils/glob"
)

// HostResolver expands a HostFilter into the ordered list of targets. It
// only reads from the provider and never contacts remote hosts.
type HostResolver struct {
	provider ports.HostProvider
}

func NewHostResolver(provider ports.HostProvider) *HostResolver {
	return &HostResolver{provider: provider}
}

// Resolve returns the hosts selected by filter, narrowed by targetOS.
// Ordering: all/pattern/os follow the provider order, group follows member
// order and selection follows the caller's order with duplicates removed.
func (r *HostResolver) Resolve(ctx context.Context, filter domain.HostFilter, targetOS domain.TargetOS) ([]domain.Host, error) {
	if !targetOS.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrResolution, ErrInvalidTargetOS, targetOS)
	}

	hosts, err := r.provider.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list hosts: %w", ErrResolution, err)
	}

	var selected []domain.Host
	switch filter.Type {
	case domain.FilterAll, "":
		selected = hosts

	case domain.FilterPattern:
		if strings.TrimSpace(filter.Pattern) == "" {
			return nil, fmt.Errorf("%w: %w: empty pattern", ErrResolution, ErrInvalidFilter)
		}
		pattern, err := glob.Compile(filter.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %v", ErrResolution, ErrInvalidPattern, err)
		}
		selected = slice.Filter(hosts, func(_ int, h domain.Host) bool {
			return pattern.MatchAny(h.Hostname, h.Name)
		})

	case domain.FilterOS:
		if filter.OSType == "" {
			return nil, fmt.Errorf("%w: %w: empty os type", ErrResolution, ErrInvalidFilter)
		}
		selected = slice.Filter(hosts, func(_ int, h domain.Host) bool {
			return matchOSType(filter.OSType, h.OSType)
		})

	case domain.FilterGroup:
		ids, err := r.provider.GroupMembers(ctx, filter.GroupID)
		if err != nil {
			return nil, fmt.Errorf("%w: group %d: %w", ErrResolution, filter.GroupID, err)
		}
		// Members that were deleted since being added drop out silently.
		selected = pickByID(hosts, slice.Unique(ids))

	case domain.FilterSelection:
		if len(filter.ConnectionIDs) == 0 {
			return nil, fmt.Errorf("%w: %w: empty selection", ErrResolution, ErrInvalidFilter)
		}
		ids := slice.Unique(filter.ConnectionIDs)
		selected = pickByID(hosts, ids)
		if len(selected) != len(ids) {
			missing := missingIDs(selected, ids)
			return nil, fmt.Errorf("%w: %w: %v", ErrResolution, ErrUnknownConnection, missing)
		}

	default:
		return nil, fmt.Errorf("%w: %w: type %q", ErrResolution, ErrInvalidFilter, filter.Type)
	}

	out := make([]domain.Host, 0, len(selected))
	for _, h := range selected {
		if targetOS.Matches(h.OSType) {
			out = append(out, h)
		}
	}
	return out, nil
}

func matchOSType(want, have string) bool {
	return domain.OSMatches(want, have)
}

func pickByID(hosts []domain.Host, ids []uint) []domain.Host {
	byID := make(map[uint]domain.Host, len(hosts))
	for _, h := range hosts {
		byID[h.ConnectionID] = h
	}
	out := make([]domain.Host, 0, len(ids))
	for _, id := range ids {
		if h, ok := byID[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

func missingIDs(found []domain.Host, ids []uint) []uint {
	have := slice.Map(found, func(_ int, h domain.Host) uint { return h.ConnectionID })
	return slice.Difference(ids, have)
}
