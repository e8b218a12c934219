package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Execution.Workers)
	assert.Equal(t, 64, cfg.Execution.MaxWorkers)
	assert.Equal(t, 5*time.Minute, cfg.Execution.HostTimeout)
	assert.Equal(t, 5*time.Second, cfg.Execution.CancelGrace)
	assert.Equal(t, "gorm", cfg.History.Driver)
	assert.Equal(t, "fleet:executions", cfg.Redis.ChannelPrefix)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("execution:\n  workers: 4\n"), 0o600))
	t.Setenv("FLEET_EXECUTION_WORKERS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Execution.Workers)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("FLEET_AUTH_ADMIN_API_KEY", "from-env")
	t.Setenv("FLEET_SECURITY_ENCRYPTION_KEY", "k")
	t.Setenv("FLEET_DATABASE_PASSWORD", "pw")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.AdminAPIKey)
	assert.Equal(t, "k", cfg.Security.EncryptionKey)
	assert.Equal(t, "pw", cfg.Database.Password)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "fleet", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=fleet sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "fleet"}
	assert.Equal(t, "u:p@tcp(db:3306)/fleet?charset=utf8mb4&parseTime=True&loc=UTC", my.DSN())
}
