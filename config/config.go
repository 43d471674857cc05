// Package config loads the service and trainer settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"fraudsentinel/logging"
	"fraudsentinel/ml"
	"fraudsentinel/monitoring"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "config.yaml"

type Config struct {
	HTTP      HTTPConfig             `yaml:"http"`
	Artifacts ArtifactsConfig        `yaml:"artifacts"`
	Inference InferenceConfig        `yaml:"inference"`
	Log       logging.Config         `yaml:"log"`
	Tracking  TrackingConfig         `yaml:"tracking"`
	Audit     AuditConfig            `yaml:"audit"`
	Training  TrainingConfig         `yaml:"training"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Alerts    monitoring.AlertConfig `yaml:"alerts"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	StaticDir      string        `yaml:"static_dir"`
}

type ArtifactsConfig struct {
	Dir         string  `yaml:"dir"`
	ModelFile   string  `yaml:"model_file"`
	ScalerFile  string  `yaml:"scaler_file"`
	ModelFormat string  `yaml:"model_format"`
	BaseScore   float64 `yaml:"base_score"`
	Watch       bool    `yaml:"watch"`
}

type InferenceConfig struct {
	Threshold float64 `yaml:"threshold"`
	// CacheSize 0 disables the result cache; nil means the default.
	CacheSize *int `yaml:"cache_size"`
}

type TrackingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DBPath     string `yaml:"db_path"`
	Experiment string `yaml:"experiment"`
}

type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DBPath    string `yaml:"db_path"`
	QueueSize int    `yaml:"queue_size"`
}

type TrainingConfig struct {
	DataPath  string            `yaml:"data_path"`
	TestRatio float64           `yaml:"test_ratio"`
	Seed      int64             `yaml:"seed"`
	Booster   ml.BoostingConfig `yaml:"booster"`
}

type MetricsConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	FeedHeartbeat  time.Duration `yaml:"feed_heartbeat"`
	// StatsWindow is how many recent predictions /api/stats summarises.
	StatsWindow int `yaml:"stats_window"`
}

// Default returns the settings used when the file omits a value.
func Default() Config {
	cacheSize := 4096
	return Config{
		HTTP: HTTPConfig{
			Port:           8000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			RequestTimeout: 5 * time.Second,
			MaxBodyBytes:   1 << 20,
			AllowedOrigins: []string{"*"},
			StaticDir:      "static",
		},
		Artifacts: ArtifactsConfig{
			Dir:         "artifacts",
			ModelFile:   ml.ModelFileName,
			ScalerFile:  ml.ScalerFileName,
			ModelFormat: ml.ModelFormatNative,
			BaseScore:   0.5,
			Watch:       true,
		},
		Inference: InferenceConfig{
			Threshold: ml.DefaultThreshold,
			CacheSize: &cacheSize,
		},
		Log: logging.Config{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Tracking: TrackingConfig{
			Enabled:    true,
			DBPath:     "mlruns/tracking.db",
			Experiment: "Fraud_Detection_Project",
		},
		Audit: AuditConfig{
			DBPath:    "data/audit.db",
			QueueSize: 1024,
		},
		Training: TrainingConfig{
			DataPath:  "data/creditcard_2023.csv",
			TestRatio: 0.2,
			Seed:      42,
			Booster:   ml.DefaultBoostingConfig(),
		},
		Metrics: MetricsConfig{
			SampleInterval: 10 * time.Second,
			FeedHeartbeat:  15 * time.Second,
			StatsWindow:    1000,
		},
		Alerts: monitoring.DefaultAlertConfig(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults
// unless required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !required:
		return cfg, cfg.Validate()
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ArtifactPaths resolves the artifact file locations.
func (c Config) ArtifactPaths() ml.ArtifactPaths {
	paths := ml.DefaultArtifactPaths(c.Artifacts.Dir)
	if c.Artifacts.ModelFile != "" {
		paths.ModelPath = joinDir(c.Artifacts.Dir, c.Artifacts.ModelFile)
	}
	if c.Artifacts.ScalerFile != "" {
		paths.ScalerPath = joinDir(c.Artifacts.Dir, c.Artifacts.ScalerFile)
	}
	paths.ModelFormat = c.Artifacts.ModelFormat
	paths.BaseScore = c.Artifacts.BaseScore
	return paths
}

// CacheSizeOrDefault returns the configured result cache size.
func (c InferenceConfig) CacheSizeOrDefault() int {
	if c.CacheSize == nil {
		return *Default().Inference.CacheSize
	}
	return *c.CacheSize
}

func joinDir(dir, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(dir, file)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.RequestTimeout < 0 || c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 {
		err = multierr.Append(err, errors.New("http timeouts must not be negative"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		err = multierr.Append(err, errors.New("http.max_body_bytes must be positive"))
	}
	if c.Artifacts.Dir == "" {
		err = multierr.Append(err, errors.New("artifacts.dir is required"))
	}
	switch c.Artifacts.ModelFormat {
	case ml.ModelFormatNative:
	case ml.ModelFormatXGBoostDump:
		if !(c.Artifacts.BaseScore > 0 && c.Artifacts.BaseScore < 1) {
			err = multierr.Append(err, fmt.Errorf("artifacts.base_score %v outside (0, 1)", c.Artifacts.BaseScore))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("artifacts.model_format %q is not supported", c.Artifacts.ModelFormat))
	}
	if !(c.Inference.Threshold > 0 && c.Inference.Threshold < 1) {
		err = multierr.Append(err, fmt.Errorf("inference.threshold %v outside (0, 1)", c.Inference.Threshold))
	}
	if c.Inference.CacheSize != nil && *c.Inference.CacheSize < 0 {
		err = multierr.Append(err, errors.New("inference.cache_size must not be negative"))
	}
	if _, lerr := logging.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if c.Audit.Enabled && c.Audit.DBPath == "" {
		err = multierr.Append(err, errors.New("audit.db_path is required when audit is enabled"))
	}
	if c.Tracking.Enabled && (c.Tracking.DBPath == "" || c.Tracking.Experiment == "") {
		err = multierr.Append(err, errors.New("tracking.db_path and tracking.experiment are required when tracking is enabled"))
	}
	if !(c.Training.TestRatio > 0 && c.Training.TestRatio < 1) {
		err = multierr.Append(err, fmt.Errorf("training.test_ratio %v outside (0, 1)", c.Training.TestRatio))
	}
	if c.Metrics.StatsWindow < 0 {
		err = multierr.Append(err, errors.New("metrics.stats_window must not be negative"))
	}
	if c.Alerts.Enabled {
		err = multierr.Append(err, c.Alerts.Validate())
	}
	return err
}
