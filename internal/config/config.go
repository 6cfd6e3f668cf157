package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Deploy   DeployConfig   `json:"deploy" yaml:"deploy"`
	Health   HealthConfig   `json:"health" yaml:"health"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr" yaml:"bindAddr"`
	APIToken string `json:"apiToken" yaml:"apiToken"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // console | json
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

// GetDSN renders a lib/pq key/value connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	LockTTL  string `json:"lockTTL" yaml:"lockTTL"` // e.g. "30m"
}

type DeployConfig struct {
	SitesFile      string   `json:"sitesFile" yaml:"sitesFile"`
	Concurrency    int      `json:"concurrency" yaml:"concurrency"`
	StepTimeout    string   `json:"stepTimeout" yaml:"stepTimeout"`       // e.g. "5m"
	VerifyRetries  int      `json:"verifyRetries" yaml:"verifyRetries"`   // probes before Verify fails
	VerifyInterval string   `json:"verifyInterval" yaml:"verifyInterval"` // e.g. "2s"
	LogDir         string   `json:"logDir" yaml:"logDir"`
	BackupDir      string   `json:"backupDir" yaml:"backupDir"`
	KeepBackups    int      `json:"keepBackups" yaml:"keepBackups"`
	DryRun         bool     `json:"dryRun" yaml:"dryRun"`
	Excludes       []string `json:"excludes" yaml:"excludes"`
}

type HealthConfig struct {
	Timeout     string `json:"timeout" yaml:"timeout"`   // e.g. "10s"
	Interval    string `json:"interval" yaml:"interval"` // e.g. "1m", serve mode only
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// Load builds the configuration from environment defaults and overlays the
// optional file at path. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SITEDEPLOY_BIND_ADDR", "127.0.0.1:8090"),
			APIToken: getEnv("SITEDEPLOY_API_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "sitedeploy"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "sitedeploy"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnv("REDIS_LOCK_TTL", "30m"),
		},
		Deploy: DeployConfig{
			SitesFile:      getEnv("SITEDEPLOY_SITES_FILE", "sites.yaml"),
			Concurrency:    getEnvInt("SITEDEPLOY_CONCURRENCY", 1),
			StepTimeout:    getEnv("SITEDEPLOY_STEP_TIMEOUT", "5m"),
			VerifyRetries:  getEnvInt("SITEDEPLOY_VERIFY_RETRIES", 3),
			VerifyInterval: getEnv("SITEDEPLOY_VERIFY_INTERVAL", "2s"),
			LogDir:         getEnv("SITEDEPLOY_LOG_DIR", "logs"),
			BackupDir:      getEnv("SITEDEPLOY_BACKUP_DIR", "backups"),
			KeepBackups:    getEnvInt("SITEDEPLOY_KEEP_BACKUPS", 5),
			DryRun:         getEnvBool("SITEDEPLOY_DRY_RUN", false),
		},
		Health: HealthConfig{
			Timeout:     getEnv("HEALTH_TIMEOUT", "10s"),
			Interval:    getEnv("HEALTH_INTERVAL", "1m"),
			Concurrency: getEnvInt("HEALTH_CONCURRENCY", 4),
		},
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("failed to load config file")
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "127.0.0.1:8090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Redis.LockTTL == "" {
		cfg.Redis.LockTTL = "30m"
	}
	if cfg.Deploy.SitesFile == "" {
		cfg.Deploy.SitesFile = "sites.yaml"
	}
	if cfg.Deploy.Concurrency < 1 {
		cfg.Deploy.Concurrency = 1
	}
	if cfg.Deploy.StepTimeout == "" {
		cfg.Deploy.StepTimeout = "5m"
	}
	if cfg.Deploy.VerifyRetries < 1 {
		cfg.Deploy.VerifyRetries = 1
	}
	if cfg.Deploy.VerifyInterval == "" {
		cfg.Deploy.VerifyInterval = "2s"
	}
	if cfg.Deploy.LogDir == "" {
		cfg.Deploy.LogDir = "logs"
	}
	if cfg.Deploy.BackupDir == "" {
		cfg.Deploy.BackupDir = "backups"
	}
	if cfg.Deploy.KeepBackups < 1 {
		cfg.Deploy.KeepBackups = 5
	}
	if cfg.Health.Timeout == "" {
		cfg.Health.Timeout = "10s"
	}
	if cfg.Health.Interval == "" {
		cfg.Health.Interval = "1m"
	}
	if cfg.Health.Concurrency < 1 {
		cfg.Health.Concurrency = 4
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	// yaml.v3 also accepts JSON documents
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// ParseDuration accepts Prometheus-style durations ("30s", "5m", "1d") and
// returns d when s is empty or malformed.
func ParseDuration(s string, d time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return d
	}
	if v, err := promModel.ParseDuration(s); err == nil && v > 0 {
		return time.Duration(v)
	}
	if v, err := time.ParseDuration(s); err == nil && v > 0 {
		return v
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
