package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsat-prep/adaptive/internal/calibration"
	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/session"
)

type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Auth        AuthConfig         `yaml:"auth"`
	Log         LogConfig          `yaml:"log"`
	Estimator   irt.Config         `yaml:"estimator"`
	Exam        session.ExamConfig `yaml:"exam"`
	Calibration calibration.Config `yaml:"calibration"`
	Session     SessionConfig      `yaml:"session"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// RedisConfig enables cross-replica pool announcements. An empty Addr
// disables them.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	AdminKeyHash string        `yaml:"admin_key_hash"`
}

type LogConfig struct {
	Mode string `yaml:"mode"`
}

type SessionConfig struct {
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// CalibrationInterval schedules recalibration; zero disables it.
	CalibrationInterval time.Duration `yaml:"calibration_interval"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "lsat_user",
			Password:     "lsat_password",
			Name:         "lsat_adaptive",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Channel: "item-pool",
		},
		Auth: AuthConfig{
			TokenTTL: 72 * time.Hour,
		},
		Log: LogConfig{
			Mode: "development",
		},
		Estimator:   irt.DefaultConfig(),
		Exam:        session.DefaultExamConfig(),
		Calibration: calibration.DefaultConfig(),
		Session: SessionConfig{
			IdleTTL: 30 * time.Minute,
		},
	}
}

// Load applies the YAML file at path (if it exists) over the defaults,
// then environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads the file named by CAT_CONFIG.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("CAT_CONFIG"))
}

func (c *Config) applyEnvOverrides() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Channel = getEnv("REDIS_CHANNEL", c.Redis.Channel)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.AdminKeyHash = getEnv("ADMIN_KEY_HASH", c.Auth.AdminKeyHash)

	c.Log.Mode = getEnv("LOG_MODE", c.Log.Mode)

	var err error
	if c.Session.IdleTTL, err = getDuration("SESSION_IDLE_TTL", c.Session.IdleTTL); err != nil {
		return err
	}
	if c.Session.CalibrationInterval, err = getDuration("CALIBRATION_INTERVAL", c.Session.CalibrationInterval); err != nil {
		return err
	}
	if v := os.Getenv("CALIBRATION_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALIBRATION_WORKERS: %w", err)
		}
		c.Calibration.Workers = n
	}
	return nil
}

// Validate checks every section that has its own rules.
func (c *Config) Validate() error {
	if err := c.Estimator.Validate(); err != nil {
		return fmt.Errorf("estimator: %w", err)
	}
	if err := c.Exam.Validate(); err != nil {
		return fmt.Errorf("exam: %w", err)
	}
	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("session: idle_ttl must be positive")
	}
	if c.Session.CalibrationInterval < 0 {
		return fmt.Errorf("session: calibration_interval must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
