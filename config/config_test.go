package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraudsentinel/ml"
	"fraudsentinel/monitoring"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 4096, cfg.Inference.CacheSizeOrDefault())

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"), true)
	assert.Error(t, err)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
http:
  port: 9090
  request_timeout: 250ms
artifacts:
  dir: /srv/models
  model_file: xgb.json
  model_format: xgboost_dump
  base_score: 0.2
inference:
  cache_size: 0
training:
  booster:
    n_estimators: 300
`)
	cfg, err := Load(path, true)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout, "unset keys keep defaults")
	assert.Equal(t, 0, cfg.Inference.CacheSizeOrDefault())
	assert.Equal(t, 300, cfg.Training.Booster.NEstimators)
	assert.Equal(t, 6, cfg.Training.Booster.MaxDepth)

	paths := cfg.ArtifactPaths()
	assert.Equal(t, "/srv/models/xgb.json", paths.ModelPath)
	assert.Equal(t, "/srv/models/"+ml.ScalerFileName, paths.ScalerPath)
	assert.Equal(t, ml.ModelFormatXGBoostDump, paths.ModelFormat)
	assert.Equal(t, 0.2, paths.BaseScore)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":  "http:\n  prot: 1\n",
		"bad yaml":     "http: [",
		"port":         "http:\n  port: 70000\n",
		"format":       "artifacts:\n  model_format: pickle\n",
		"base score":   "artifacts:\n  model_format: xgboost_dump\n  base_score: 1\n",
		"threshold":    "inference:\n  threshold: 0\n",
		"cache":        "inference:\n  cache_size: -1\n",
		"log level":    "log:\n  level: loud\n",
		"audit":        "audit:\n  enabled: true\n  db_path: \"\"\n",
		"test ratio":   "training:\n  test_ratio: 1.5\n",
		"bad duration": "http:\n  request_timeout: soon\n",
		"alert url":    "alerts:\n  enabled: true\n  channels:\n    - name: hook\n      type: webhook\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body), true)
		assert.Error(t, err, name)
	}
}

func TestLoadAlertChannels(t *testing.T) {
	path := writeConfig(t, `
alerts:
  enabled: true
  critical_probability: 0.99
  channels:
    - name: ops
      type: dingding
      url: https://oapi.dingtalk.com/robot/send?access_token=x
      min_level: critical
      max_per_hour: 20
      cooldown: 3m
`)
	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.True(t, cfg.Alerts.Enabled)
	assert.Equal(t, 0.8, cfg.Alerts.WarningProbability)
	assert.Equal(t, 0.99, cfg.Alerts.CriticalProbability)
	require.Len(t, cfg.Alerts.Channels, 1)
	assert.Equal(t, monitoring.AlertChannel{
		Name:       "ops",
		Type:       monitoring.ChannelDingding,
		URL:        "https://oapi.dingtalk.com/robot/send?access_token=x",
		MinLevel:   monitoring.AlertCritical,
		MaxPerHour: 20,
		Cooldown:   3 * time.Minute,
	}, cfg.Alerts.Channels[0])
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.HTTP.Port = 0
	cfg.Inference.Threshold = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.port")
	assert.Contains(t, err.Error(), "inference.threshold")
}

func TestSampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "config.yaml"), true)
	require.NoError(t, err)
	assert.Equal(t, Default().Training, cfg.Training)
}
