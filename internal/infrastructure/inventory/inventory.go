// Package inventory loads hosts, groups and credentials from a YAML file.
// fleetctl uses it in place of the database.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/pkg/utils/glob"
	"gopkg.in/yaml.v3"
)

type File struct {
	Hosts       []HostEntry       `yaml:"hosts"`
	Groups      []GroupEntry      `yaml:"groups"`
	Credentials []CredentialEntry `yaml:"credentials"`
}

type HostEntry struct {
	ID         uint   `yaml:"id"`
	Name       string `yaml:"name"`
	Hostname   string `yaml:"hostname"`
	Port       int    `yaml:"port"`
	Type       string `yaml:"type"`
	OSType     string `yaml:"os_type"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
	Disabled   bool   `yaml:"disabled"`
}

// GroupEntry is static when Members is set and rule based otherwise.
type GroupEntry struct {
	ID      uint     `yaml:"id"`
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
	Pattern string   `yaml:"pattern"`
	OSType  string   `yaml:"os_type"`
}

// CredentialEntry names its secret indirectly so inventories can be
// committed: PasswordEnv is an environment variable, KeyFile a path.
type CredentialEntry struct {
	Name         string `yaml:"name"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordEnv  string `yaml:"password_env"`
	KeyFile      string `yaml:"key_file"`
	Passphrase   string `yaml:"passphrase"`
	Agent        bool   `yaml:"agent"`
	MatchOSType  string `yaml:"match_os_type"`
	MatchPattern string `yaml:"match_pattern"`
	Priority     int    `yaml:"priority"`
}

type group struct {
	id      uint
	name    string
	members []uint
	pattern *glob.Pattern
	osType  string
}

func (g group) dynamic() bool {
	return g.pattern != nil || g.osType != ""
}

// Inventory is a validated File. It implements ports.HostProvider and
// ports.CredentialResolver.
type Inventory struct {
	hosts       []domain.Host
	disabled    map[uint]bool
	groups      []group
	credentials []CredentialEntry
	hostCreds   map[uint]string
	baseDir     string
}

func Load(path string) (*Inventory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}
	inv, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	inv.baseDir = filepath.Dir(path)
	return inv, nil
}

func Parse(content []byte) (*Inventory, error) {
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	return build(f)
}

func build(f File) (*Inventory, error) {
	inv := &Inventory{
		disabled:  make(map[uint]bool),
		hostCreds: make(map[uint]string),
	}

	creds := make(map[string]bool, len(f.Credentials))
	for _, c := range f.Credentials {
		if c.Name == "" {
			return nil, errors.New("credential without a name")
		}
		if creds[c.Name] {
			return nil, fmt.Errorf("duplicate credential %q", c.Name)
		}
		if c.MatchPattern != "" {
			if _, err := glob.Compile(c.MatchPattern); err != nil {
				return nil, fmt.Errorf("credential %q: %w", c.Name, err)
			}
		}
		creds[c.Name] = true
	}
	inv.credentials = f.Credentials

	byName := make(map[string]uint, len(f.Hosts))
	used := make(map[uint]bool, len(f.Hosts))
	for _, h := range f.Hosts {
		if h.ID != 0 {
			if used[h.ID] {
				return nil, fmt.Errorf("duplicate host id %d", h.ID)
			}
			used[h.ID] = true
		}
	}
	next := uint(1)
	for _, h := range f.Hosts {
		if h.Name == "" {
			h.Name = h.Hostname
		}
		if h.Name == "" {
			return nil, errors.New("host without a name or hostname")
		}
		if _, dup := byName[h.Name]; dup {
			return nil, fmt.Errorf("duplicate host %q", h.Name)
		}
		if h.ID == 0 {
			for used[next] {
				next++
			}
			h.ID = next
			used[next] = true
		}
		host, err := h.toHost()
		if err != nil {
			return nil, err
		}
		if h.Credential != "" {
			if !creds[h.Credential] {
				return nil, fmt.Errorf("host %q: unknown credential %q", h.Name, h.Credential)
			}
			inv.hostCreds[h.ID] = h.Credential
		}
		byName[h.Name] = h.ID
		inv.disabled[h.ID] = h.Disabled
		inv.hosts = append(inv.hosts, host)
	}
	sort.SliceStable(inv.hosts, func(i, j int) bool { return inv.hosts[i].ConnectionID < inv.hosts[j].ConnectionID })

	groupNames := make(map[string]bool, len(f.Groups))
	groupIDs := make(map[uint]bool, len(f.Groups))
	for i, g := range f.Groups {
		if g.Name == "" || groupNames[g.Name] {
			return nil, fmt.Errorf("group %d: missing or duplicate name %q", i+1, g.Name)
		}
		groupNames[g.Name] = true
		if g.ID == 0 {
			g.ID = uint(i + 1)
		}
		if groupIDs[g.ID] {
			return nil, fmt.Errorf("duplicate group id %d", g.ID)
		}
		groupIDs[g.ID] = true
		if len(g.Members) > 0 && (g.Pattern != "" || g.OSType != "") {
			return nil, fmt.Errorf("group %q: members and rules are exclusive", g.Name)
		}

		resolved := group{id: g.ID, name: g.Name, osType: g.OSType}
		if g.Pattern != "" {
			pattern, err := glob.Compile(g.Pattern)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", g.Name, err)
			}
			resolved.pattern = pattern
		}
		for _, m := range g.Members {
			id, ok := byName[m]
			if !ok {
				return nil, fmt.Errorf("group %q: unknown host %q", g.Name, m)
			}
			resolved.members = append(resolved.members, id)
		}
		inv.groups = append(inv.groups, resolved)
	}
	return inv, nil
}

func (h HostEntry) toHost() (domain.Host, error) {
	connType := domain.ConnectionType(strings.ToLower(h.Type))
	if connType == "" {
		connType = domain.ConnectionSSH
	}
	if !connType.Valid() {
		return domain.Host{}, fmt.Errorf("host %q: unknown type %q", h.Name, h.Type)
	}
	hostname := h.Hostname
	if hostname == "" {
		hostname = h.Name
	}
	port := h.Port
	if port == 0 && connType == domain.ConnectionSSH {
		port = 22
	}
	return domain.Host{
		ConnectionID:   h.ID,
		Name:           h.Name,
		Hostname:       hostname,
		Port:           port,
		Username:       h.Username,
		OSType:         strings.ToLower(h.OSType),
		ConnectionType: connType,
	}, nil
}

func (inv *Inventory) ListHosts(ctx context.Context) ([]domain.Host, error) {
	out := make([]domain.Host, 0, len(inv.hosts))
	for _, h := range inv.hosts {
		if !inv.disabled[h.ConnectionID] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (inv *Inventory) GroupMembers(ctx context.Context, groupID uint) ([]uint, error) {
	for _, g := range inv.groups {
		if g.id != groupID {
			continue
		}
		if !g.dynamic() {
			return append([]uint(nil), g.members...), nil
		}
		return inv.ruleMembers(g), nil
	}
	return nil, fmt.Errorf("%w: %d", services.ErrUnknownGroup, groupID)
}

func (inv *Inventory) ruleMembers(g group) []uint {
	var ids []uint
	for _, h := range inv.hosts {
		if inv.disabled[h.ConnectionID] {
			continue
		}
		if g.pattern != nil && !g.pattern.MatchAny(h.Hostname, h.Name) {
			continue
		}
		if g.osType != "" && !domain.OSMatches(g.osType, h.OSType) {
			continue
		}
		ids = append(ids, h.ConnectionID)
	}
	return ids
}

// GroupID looks a group up by name.
func (inv *Inventory) GroupID(name string) (uint, bool) {
	for _, g := range inv.groups {
		if g.name == name {
			return g.id, true
		}
	}
	return 0, false
}

// HostID looks a host up by name.
func (inv *Inventory) HostID(name string) (uint, bool) {
	for _, h := range inv.hosts {
		if h.Name == name {
			return h.ConnectionID, true
		}
	}
	return 0, false
}

// ResolveCredential returns the host's named credential, else the highest
// priority credential whose rules match, else an agent credential when
// SSH_AUTH_SOCK is set.
func (inv *Inventory) ResolveCredential(ctx context.Context, host domain.Host) (*domain.HostCredential, error) {
	if host.ConnectionType == domain.ConnectionLocal {
		return nil, nil
	}
	if name, ok := inv.hostCreds[host.ConnectionID]; ok {
		for _, c := range inv.credentials {
			if c.Name == name {
				return inv.materialize(c, host)
			}
		}
	}
	if c, ok := inv.pickAuto(host); ok {
		return inv.materialize(c, host)
	}
	if os.Getenv("SSH_AUTH_SOCK") != "" {
		return &domain.HostCredential{Username: usernameFor(host, ""), AuthType: domain.AuthAgent}, nil
	}
	return nil, fmt.Errorf("%w: %s", services.ErrNoCredential, host.Hostname)
}

func (inv *Inventory) pickAuto(host domain.Host) (CredentialEntry, bool) {
	candidates := make([]CredentialEntry, len(inv.credentials))
	copy(candidates, inv.credentials)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	for _, c := range candidates {
		if c.MatchOSType == "" && c.MatchPattern == "" {
			continue
		}
		if c.MatchOSType != "" && !domain.OSMatches(c.MatchOSType, host.OSType) {
			continue
		}
		if c.MatchPattern != "" && !glob.MustCompile(c.MatchPattern).MatchAny(host.Hostname, host.Name) {
			continue
		}
		return c, true
	}
	return CredentialEntry{}, false
}

func (inv *Inventory) materialize(c CredentialEntry, host domain.Host) (*domain.HostCredential, error) {
	cred := &domain.HostCredential{
		Username:   usernameFor(host, c.Username),
		AuthType:   domain.AuthPassword,
		Password:   c.Password,
		Passphrase: c.Passphrase,
	}
	if c.PasswordEnv != "" {
		cred.Password = os.Getenv(c.PasswordEnv)
	}
	switch {
	case c.KeyFile != "":
		key, err := os.ReadFile(inv.expand(c.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", c.Name, err)
		}
		cred.AuthType = domain.AuthKey
		cred.PrivateKey = string(key)
	case c.Agent:
		cred.AuthType = domain.AuthAgent
	}
	return cred, nil
}

func (inv *Inventory) expand(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) && inv.baseDir != "" {
		return filepath.Join(inv.baseDir, path)
	}
	return path
}

func usernameFor(host domain.Host, fallback string) string {
	if host.Username != "" {
		return host.Username
	}
	if fallback != "" {
		return fallback
	}
	return "root"
}
