package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
credentials:
  - name: ops
    username: ops
    password_env: FLEET_TEST_OPS_PASSWORD
    match_os_type: linux
    priority: 1
  - name: web-key
    key_file: keys/web
    match_pattern: "web-*"
    priority: 10
  - name: winadmin
    username: Administrator
    password: s3cret
hosts:
  - name: web-1
    hostname: 10.0.0.1
    os_type: Ubuntu
  - name: web-2
    hostname: 10.0.0.2
    os_type: windows
    credential: winadmin
  - id: 10
    name: db-1
    os_type: debian
    port: 2222
  - name: old
    os_type: debian
    disabled: true
  - name: self
    type: local
groups:
  - name: pinned
    members: [db-1, web-1, db-1]
  - name: linux-web
    pattern: "web-*"
    os_type: linux
  - id: 7
    name: everything-linux
    os_type: linux
`

func loadSample(t *testing.T) *Inventory {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "keys"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keys", "web"), []byte("PRIVATE KEY"), 0o600))
	path := filepath.Join(dir, "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	inv, err := Load(path)
	require.NoError(t, err)
	return inv
}

func TestListHostsSkipsDisabled(t *testing.T) {
	inv := loadSample(t)
	hosts, err := inv.ListHosts(context.Background())
	require.NoError(t, err)

	var names []string
	for _, h := range hosts {
		names = append(names, h.Name)
	}
	// Ids are assigned in file order around the explicit id 10.
	assert.Equal(t, []string{"web-1", "web-2", "self", "db-1"}, names)
	assert.Equal(t, "ubuntu", hosts[0].OSType)
	assert.Equal(t, 22, hosts[0].Port)
	assert.Equal(t, 2222, hosts[3].Port)
	assert.Equal(t, "db-1", hosts[3].Hostname)
	assert.Equal(t, domain.ConnectionLocal, hosts[2].ConnectionType)
	assert.Equal(t, 0, hosts[2].Port)
}

func TestGroupMembers(t *testing.T) {
	inv := loadSample(t)
	ctx := context.Background()

	pinned, ok := inv.GroupID("pinned")
	require.True(t, ok)
	ids, err := inv.GroupMembers(ctx, pinned)
	require.NoError(t, err)
	db, _ := inv.HostID("db-1")
	web1, _ := inv.HostID("web-1")
	assert.Equal(t, []uint{db, web1, db}, ids)

	linuxWeb, _ := inv.GroupID("linux-web")
	ids, err = inv.GroupMembers(ctx, linuxWeb)
	require.NoError(t, err)
	assert.Equal(t, []uint{web1}, ids)

	ids, err = inv.GroupMembers(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []uint{web1, db}, ids)

	_, err = inv.GroupMembers(ctx, 99)
	assert.ErrorIs(t, err, services.ErrUnknownGroup)
}

func TestResolveThroughHostResolver(t *testing.T) {
	inv := loadSample(t)
	resolver := services.NewHostResolver(inv)
	pinned, _ := inv.GroupID("pinned")

	hosts, err := resolver.Resolve(context.Background(), domain.HostFilter{Type: domain.FilterGroup, GroupID: pinned}, domain.TargetOSAll)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "db-1", hosts[0].Name)
	assert.Equal(t, "web-1", hosts[1].Name)
}

func TestResolveCredential(t *testing.T) {
	t.Setenv("FLEET_TEST_OPS_PASSWORD", "from-env")
	t.Setenv("SSH_AUTH_SOCK", "")
	inv := loadSample(t)
	ctx := context.Background()
	hosts, _ := inv.ListHosts(ctx)
	byName := map[string]domain.Host{}
	for _, h := range hosts {
		byName[h.Name] = h
	}

	cred, err := inv.ResolveCredential(ctx, byName["web-1"])
	require.NoError(t, err)
	assert.Equal(t, domain.AuthKey, cred.AuthType)
	assert.Equal(t, "PRIVATE KEY", cred.PrivateKey)
	assert.Equal(t, "root", cred.Username)

	cred, err = inv.ResolveCredential(ctx, byName["web-2"])
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cred.Password)
	assert.Equal(t, "Administrator", cred.Username)

	cred, err = inv.ResolveCredential(ctx, byName["db-1"])
	require.NoError(t, err)
	assert.Equal(t, "from-env", cred.Password)
	assert.Equal(t, "ops", cred.Username)

	cred, err = inv.ResolveCredential(ctx, byName["self"])
	require.NoError(t, err)
	assert.Nil(t, cred)

	_, err = inv.ResolveCredential(ctx, domain.Host{Name: "stray", Hostname: "stray", OSType: "windows"})
	assert.ErrorIs(t, err, services.ErrNoCredential)
}

func TestParseRejectsBadInventories(t *testing.T) {
	for name, doc := range map[string]string{
		"duplicate host":     "hosts: [{name: a}, {name: a}]",
		"duplicate id":       "hosts: [{name: a, id: 3}, {name: b, id: 3}]",
		"unknown credential": "hosts: [{name: a, credential: nope}]",
		"unknown member":     "hosts: [{name: a}]\ngroups: [{name: g, members: [b]}]",
		"mixed group":        "hosts: [{name: a}]\ngroups: [{name: g, members: [a], os_type: linux}]",
		"bad pattern":        "groups: [{name: g, pattern: 'web-['}]",
		"bad type":           "hosts: [{name: a, type: telnet}]",
		"not yaml":           "hosts: [",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}
