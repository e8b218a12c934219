package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Security  SecurityConfig  `mapstructure:"security"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Execution ExecutionConfig `mapstructure:"execution"`
	History   HistoryConfig   `mapstructure:"history"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
}

func (d *DatabaseConfig) DSN() string {
	if d.Driver == "mysql" {
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string     `mapstructure:"level"`
	Encoding         string     `mapstructure:"encoding"`
	OutputPaths      []string   `mapstructure:"output_paths"`
	ErrorOutputPaths []string   `mapstructure:"error_output_paths"`
	File             FileConfig `mapstructure:"file"`
}

// FileConfig enables a rotated log file next to the regular outputs.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type FeaturesConfig struct {
	EnableLocks          bool   `mapstructure:"enable_locks"`
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
	EnableTimeline       bool   `mapstructure:"enable_timeline"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ExecutionConfig tunes the bulk command engine.
type ExecutionConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	HostTimeout    time.Duration `mapstructure:"host_timeout"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`
	MaxHostTimeout time.Duration `mapstructure:"max_host_timeout"`
}

type HistoryConfig struct {
	Driver     string        `mapstructure:"driver"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	Retention  time.Duration `mapstructure:"retention"`
	PruneEvery time.Duration `mapstructure:"prune_every"`
}

type SSHConfig struct {
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	UseAgent       bool          `mapstructure:"use_agent"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ScriptDir      string        `mapstructure:"script_dir"`
}

type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fleet")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "fleet")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.slow_threshold", 200*time.Millisecond)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})
	v.SetDefault("logger.file.max_size_mb", 100)
	v.SetDefault("logger.file.max_backups", 5)
	v.SetDefault("logger.file.max_age_days", 14)

	// Secrets have no useful default but must be known keys so that
	// FLEET_* variables reach them through Unmarshal.
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("auth.admin_api_key", "")
	v.SetDefault("auth.allowed_origins", []string{})
	v.SetDefault("redis.password", "")

	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_timeline", true)

	v.SetDefault("execution.workers", 8)
	v.SetDefault("execution.max_workers", 64)
	v.SetDefault("execution.host_timeout", 5*time.Minute)
	v.SetDefault("execution.max_host_timeout", time.Hour)
	v.SetDefault("execution.cancel_grace", 5*time.Second)

	v.SetDefault("history.driver", "gorm")
	v.SetDefault("history.sqlite_path", "data/history.sqlite")
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("history.prune_every", time.Hour)

	v.SetDefault("ssh.use_agent", false)
	v.SetDefault("ssh.connect_timeout", 15*time.Second)
	v.SetDefault("ssh.script_dir", "/tmp")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.channel_prefix", "fleet:executions")
}

// Load reads the YAML file at path, overlaying FLEET_* environment variables.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		v := viper.New()
		setDefaults(v)
		var fallback Config
		_ = v.Unmarshal(&fallback)
		return &fallback
	}
	return cfg
}
