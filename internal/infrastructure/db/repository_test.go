package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// openTestDB connects to the postgres named by FLEET_TEST_DATABASE_DSN and
// runs every test in a transaction that is rolled back afterwards.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("FLEET_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("FLEET_TEST_DATABASE_DSN not set")
	}
	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLogger(logger.NewNop(), 0),
	})
	require.NoError(t, err)
	require.NoError(t, RunMigrations(database))

	tx := database.Begin()
	t.Cleanup(func() {
		tx.Rollback()
		_ = Close(database)
	})
	return tx
}

func TestNewConnectionRejectsUnknownDriver(t *testing.T) {
	_, err := NewConnection(config.DatabaseConfig{Driver: "oracle"}, logger.NewNop())
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestExecutionRepository(t *testing.T) {
	database := openTestDB(t)
	repo := NewExecutionRepository(database, logger.NewNop())
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	code := 0
	exec := &domain.CommandExecution{
		ID:            "11111111-1111-1111-1111-111111111111",
		CommandName:   "uptime",
		Command:       "uptime",
		TargetOS:      domain.TargetOSLinux,
		Filter:        domain.HostFilter{Type: domain.FilterGroup, GroupID: 3},
		ConnectionIDs: domain.IDList{1, 2},
		Status:        domain.ExecutionRunning,
		StartedAt:     base.Add(-48 * time.Hour),
		Results: domain.ResultList{
			{ConnectionID: 1, Hostname: "web-1", Status: domain.ResultSuccess, ExitCode: &code, Stdout: "up"},
			{ConnectionID: 2, Hostname: "web-2", Status: domain.ResultRunning},
		},
	}
	require.NoError(t, repo.Append(ctx, exec))

	exec.Status = domain.ExecutionCompleted
	exec.Results[1].Status = domain.ResultError
	exec.Results[1].Error = "Connection refused"
	require.NoError(t, repo.Append(ctx, exec))

	got, err := repo.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.Equal(t, domain.FilterGroup, got.Filter.Type)
	assert.Equal(t, domain.IDList{1, 2}, got.ConnectionIDs)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "Connection refused", got.Results[1].Error)

	missing, err := repo.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	running := &domain.CommandExecution{
		ID: "22222222-2222-2222-2222-222222222222", Command: "sleep 1",
		Status: domain.ExecutionRunning, StartedAt: base.Add(-72 * time.Hour),
	}
	require.NoError(t, repo.Append(ctx, running))

	list, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, exec.ID, list[0].ID)

	n, err := repo.DeleteOlderThan(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err = repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, running.ID, list[0].ID)
}

func TestGroupMembersKeepOrder(t *testing.T) {
	database := openTestDB(t)
	log := logger.NewNop()
	conns := NewConnectionRepository(database, log)
	groups := NewGroupRepository(database, log)
	ctx := context.Background()

	var ids []uint
	for _, name := range []string{"a", "b", "c"} {
		c := &domain.Connection{Name: name, Hostname: name, Type: domain.ConnectionSSH, IsActive: true}
		require.NoError(t, conns.Create(ctx, c))
		ids = append(ids, c.ID)
	}

	group := &domain.Group{Name: "ordered"}
	require.NoError(t, groups.Create(ctx, group))
	order := []uint{ids[2], ids[0], ids[1]}
	require.NoError(t, groups.SetMembers(ctx, group.ID, order))

	members, err := groups.Members(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, order, members)

	// Deleting a connection removes it from the group.
	require.NoError(t, conns.Delete(ctx, ids[0]))
	members, err = groups.Members(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{ids[2], ids[1]}, members)

	gone, err := conns.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSettingRepositoryUpsert(t *testing.T) {
	database := openTestDB(t)
	repo := NewSystemSettingRepository(database, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, &domain.SystemSetting{Key: "execution_workers", Value: "4", Category: "execution"}))
	require.NoError(t, repo.Set(ctx, &domain.SystemSetting{Key: "execution_workers", Value: "8", Category: "execution"}))

	got, err := repo.Get(ctx, "execution_workers")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "8", got.Value)

	list, err := repo.GetByCategory(ctx, "execution")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "execution_workers"))
	got, err = repo.Get(ctx, "execution_workers")
	require.NoError(t, err)
	assert.Nil(t, got)
}
