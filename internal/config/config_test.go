package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsat-prep/adaptive/internal/calibration"
	"github.com/lsat-prep/adaptive/internal/irt"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
estimator:
  method: eap
  quadrature_points: 41
exam:
  test_length: 30
  time_limit: 45m
calibration:
  target_rate: 0.25
  theta_dist:
    kind: uniform
    min: -2
    max: 2
session:
  idle_ttl: 10m
  calibration_interval: 24h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, irt.MethodEAP, cfg.Estimator.Method)
	assert.Equal(t, 41, cfg.Estimator.QuadraturePoints)
	assert.Equal(t, 4.0, cfg.Estimator.ThetaMax, "unset fields keep defaults")
	assert.Equal(t, 30, cfg.Exam.TestLength)
	assert.Equal(t, 45*time.Minute, cfg.Exam.TimeLimit)
	assert.True(t, cfg.Exam.ExposureControl)
	assert.Equal(t, 0.25, cfg.Calibration.TargetRate)
	assert.Equal(t, calibration.DistUniform, cfg.Calibration.ThetaDist.Kind)
	assert.Equal(t, 1000, cfg.Calibration.Examinees)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 24*time.Hour, cfg.Session.CalibrationInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "database:\n  host: filehost\n")
	t.Setenv("DB_HOST", "envhost")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SESSION_IDLE_TTL", "5m")
	t.Setenv("CALIBRATION_WORKERS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "envhost", cfg.Database.Host)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "item-pool", cfg.Redis.Channel)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 3, cfg.Calibration.Workers)
}

func TestLoadErrors(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [unclosed"))
		assert.Error(t, err)
	})
	t.Run("bad duration env", func(t *testing.T) {
		t.Setenv("SESSION_IDLE_TTL", "soon")
		_, err := Load("")
		assert.ErrorContains(t, err, "SESSION_IDLE_TTL")
	})
	t.Run("invalid calibration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "calibration:\n  target_rate: 3\n"))
		assert.ErrorIs(t, err, calibration.ErrInvalidConfig)
	})
	t.Run("invalid estimator", func(t *testing.T) {
		_, err := Load(writeConfig(t, "estimator:\n  theta_min: 5\n  theta_max: 1\n"))
		assert.ErrorIs(t, err, irt.ErrInvalidEstimatorConfig)
	})
}

func TestDatabaseDSN(t *testing.T) {
	d := Default().Database
	assert.Equal(t, "host=localhost port=5432 user=lsat_user password=lsat_password dbname=lsat_adaptive sslmode=disable", d.DSN())
}
