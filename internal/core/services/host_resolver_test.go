package services

import (
	"context"
	"errors"
	"testing"

	"github.com/netly/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func resolverFixture() *staticProvider {
	return &staticProvider{
		hosts: []domain.Host{
			linuxHost(1, "web-1"),
			linuxHost(2, "web-2"),
			linuxHost(3, "db-1"),
			windowsHost(4, "win-app"),
			{ConnectionID: 5, Name: "mystery", Hostname: "mystery", OSType: ""},
			{ConnectionID: 6, Name: "mac", Hostname: "build-mac", OSType: "macos"},
		},
		groups: map[uint][]uint{
			10: {3, 1, 4, 2},
			11: {2, 2, 99, 1},
			12: {},
		},
	}
}

func names(hosts []domain.Host) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.Name)
	}
	return out
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	r := NewHostResolver(resolverFixture())

	tests := []struct {
		name     string
		filter   domain.HostFilter
		targetOS domain.TargetOS
		want     []string
	}{
		{"all", domain.HostFilter{Type: domain.FilterAll}, "", []string{"web-1", "web-2", "db-1", "win-app", "mystery", "mac"}},
		{"empty type means all", domain.HostFilter{}, domain.TargetOSAll, []string{"web-1", "web-2", "db-1", "win-app", "mystery", "mac"}},
		{"all linux drops unknown os", domain.HostFilter{Type: domain.FilterAll}, domain.TargetOSLinux, []string{"web-1", "web-2", "db-1", "mac"}},
		{"all windows", domain.HostFilter{Type: domain.FilterAll}, domain.TargetOSWindows, []string{"win-app"}},
		{"group keeps member order", domain.HostFilter{Type: domain.FilterGroup, GroupID: 10}, "", []string{"db-1", "web-1", "win-app", "web-2"}},
		{"group with target os", domain.HostFilter{Type: domain.FilterGroup, GroupID: 10}, domain.TargetOSLinux, []string{"db-1", "web-1", "web-2"}},
		{"group dedupes and skips deleted", domain.HostFilter{Type: domain.FilterGroup, GroupID: 11}, "", []string{"web-2", "web-1"}},
		{"empty group", domain.HostFilter{Type: domain.FilterGroup, GroupID: 12}, "", []string{}},
		{"pattern", domain.HostFilter{Type: domain.FilterPattern, Pattern: "web-*"}, "", []string{"web-1", "web-2"}},
		{"pattern is case insensitive", domain.HostFilter{Type: domain.FilterPattern, Pattern: "WEB-?"}, "", []string{"web-1", "web-2"}},
		{"pattern matches name or hostname", domain.HostFilter{Type: domain.FilterPattern, Pattern: "build-*"}, "", []string{"mac"}},
		{"selection keeps caller order", domain.HostFilter{Type: domain.FilterSelection, ConnectionIDs: []uint{3, 1, 3}}, "", []string{"db-1", "web-1"}},
		{"os family", domain.HostFilter{Type: domain.FilterOS, OSType: "linux"}, "", []string{"web-1", "web-2", "db-1", "mac"}},
		{"os exact", domain.HostFilter{Type: domain.FilterOS, OSType: "macos"}, "", []string{"mac"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, err := r.Resolve(ctx, tt.filter, tt.targetOS)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(hosts))
		})
	}
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	r := NewHostResolver(resolverFixture())

	tests := []struct {
		name     string
		filter   domain.HostFilter
		targetOS domain.TargetOS
		is       error
	}{
		{"unknown group", domain.HostFilter{Type: domain.FilterGroup, GroupID: 404}, "", ErrUnknownGroup},
		{"unknown selection id", domain.HostFilter{Type: domain.FilterSelection, ConnectionIDs: []uint{1, 77}}, "", ErrUnknownConnection},
		{"empty selection", domain.HostFilter{Type: domain.FilterSelection}, "", ErrInvalidFilter},
		{"empty pattern", domain.HostFilter{Type: domain.FilterPattern}, "", ErrInvalidFilter},
		{"bad filter type", domain.HostFilter{Type: "regex"}, "", ErrInvalidFilter},
		{"bad target os", domain.HostFilter{Type: domain.FilterAll}, "solaris", ErrInvalidTargetOS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tt.filter, tt.targetOS)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrResolution)
			assert.ErrorIs(t, err, tt.is)
		})
	}

	broken := NewHostResolver(&staticProvider{err: errors.New("db down")})
	_, err := broken.Resolve(ctx, domain.HostFilter{Type: domain.FilterAll}, "")
	assert.ErrorIs(t, err, ErrResolution)
}

func TestResolveProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "hosts")
		provider := &staticProvider{groups: map[uint][]uint{}}
		for i := 1; i <= n; i++ {
			os := rapid.SampledFrom([]string{"ubuntu", "windows", "debian", ""}).Draw(t, "os")
			provider.hosts = append(provider.hosts, domain.Host{ConnectionID: uint(i), Name: "h", Hostname: "h", OSType: os})
		}
		var members []uint
		if n > 0 {
			members = rapid.SliceOf(rapid.UintRange(1, uint(n))).Draw(t, "members")
		}
		provider.groups[1] = members
		target := rapid.SampledFrom([]domain.TargetOS{"", domain.TargetOSAll, domain.TargetOSLinux, domain.TargetOSWindows}).Draw(t, "target")

		r := NewHostResolver(provider)
		filter := domain.HostFilter{Type: domain.FilterGroup, GroupID: 1}
		first, err := r.Resolve(context.Background(), filter, target)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		second, err := r.Resolve(context.Background(), filter, target)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}

		// Deterministic for unchanged inputs.
		if len(first) != len(second) {
			t.Fatalf("resolution not stable: %d vs %d", len(first), len(second))
		}
		seen := map[uint]bool{}
		for i, h := range first {
			if second[i].ConnectionID != h.ConnectionID {
				t.Fatalf("order differs at %d", i)
			}
			// Every host is unique and satisfies the OS filter.
			if seen[h.ConnectionID] {
				t.Fatalf("duplicate host %d", h.ConnectionID)
			}
			seen[h.ConnectionID] = true
			if !target.Matches(h.OSType) {
				t.Fatalf("host %d os %q escaped target %q", h.ConnectionID, h.OSType, target)
			}
		}
	})
}
