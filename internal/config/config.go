package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogJSON   bool            `json:"log_json" yaml:"log_json"`
	Source    SourceConfig    `json:"source" yaml:"source"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Analytics AnalyticsConfig `json:"analytics" yaml:"analytics"`
	API       APIConfig       `json:"api" yaml:"api"`
	Watch     WatchConfig     `json:"watch" yaml:"watch"`
}

type SourceConfig struct {
	Kind       string        `json:"kind" yaml:"kind"`
	URL        string        `json:"url" yaml:"url"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
	UserAgent  string        `json:"user_agent" yaml:"user_agent"`
	Kafka      KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type CacheConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Directory    string        `json:"directory" yaml:"directory"`
	TTL          time.Duration `json:"ttl" yaml:"ttl"`
	MaxSizeBytes int64         `json:"max_size_bytes" yaml:"max_size_bytes"`
	Compression  bool          `json:"compression" yaml:"compression"`
}

type StorageConfig struct {
	Driver        string `json:"driver" yaml:"driver"`
	DSN           string `json:"dsn" yaml:"dsn"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
}

type AnalyticsConfig struct {
	AnomalyThreshold    float64       `json:"anomaly_threshold" yaml:"anomaly_threshold"`
	LearningWindowDays  int           `json:"learning_window_days" yaml:"learning_window_days"`
	MinSamples          int           `json:"min_samples" yaml:"min_samples"`
	MinTrendSamples     int           `json:"min_trend_samples" yaml:"min_trend_samples"`
	BaselineLimit       int           `json:"baseline_limit" yaml:"baseline_limit"`
	FlapWindow          time.Duration `json:"flap_window" yaml:"flap_window"`
	FlapHistoryLimit    int           `json:"flap_history_limit" yaml:"flap_history_limit"`
	DefaultHorizonHours int           `json:"default_horizon_hours" yaml:"default_horizon_hours"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type WatchConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogJSON:  true,
		Source: SourceConfig{
			Kind:       "http",
			URL:        "https://status.redhat.com/api/v2/summary.json",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
			UserAgent:  "healthwatch/1.0",
		},
		Cache: CacheConfig{
			Enabled:      true,
			Directory:    ".cache",
			TTL:          300 * time.Second,
			MaxSizeBytes: 100 << 20,
			Compression:  true,
		},
		Storage: StorageConfig{
			Driver:        "sqlite",
			DSN:           "file:healthwatch.db?_pragma=busy_timeout(5000)",
			RetentionDays: 30,
		},
		Analytics: AnalyticsConfig{
			AnomalyThreshold:    2.0,
			LearningWindowDays:  30,
			MinSamples:          10,
			MinTrendSamples:     20,
			BaselineLimit:       1000,
			FlapWindow:          time.Hour,
			FlapHistoryLimit:    10,
			DefaultHorizonHours: 24,
		},
		API:   APIConfig{Enabled: false, Addr: ":8080"},
		Watch: WatchConfig{Enabled: false, Interval: 5 * time.Minute},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "http"
	}
	if cfg.Source.Timeout <= 0 {
		cfg.Source.Timeout = def.Source.Timeout
	}
	if cfg.Source.MaxRetries < 0 {
		cfg.Source.MaxRetries = def.Source.MaxRetries
	}
	if cfg.Source.RetryDelay <= 0 {
		cfg.Source.RetryDelay = def.Source.RetryDelay
	}
	if cfg.Source.UserAgent == "" {
		cfg.Source.UserAgent = def.Source.UserAgent
	}
	if cfg.Cache.Directory == "" {
		cfg.Cache.Directory = def.Cache.Directory
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = def.Cache.TTL
	}
	if cfg.Cache.MaxSizeBytes <= 0 {
		cfg.Cache.MaxSizeBytes = def.Cache.MaxSizeBytes
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Storage.RetentionDays <= 0 {
		cfg.Storage.RetentionDays = def.Storage.RetentionDays
	}
	a := &cfg.Analytics
	defA := def.Analytics
	if a.AnomalyThreshold <= 0 {
		a.AnomalyThreshold = defA.AnomalyThreshold
	}
	if a.LearningWindowDays <= 0 {
		a.LearningWindowDays = defA.LearningWindowDays
	}
	if a.MinSamples <= 0 {
		a.MinSamples = defA.MinSamples
	}
	if a.MinTrendSamples <= 0 {
		a.MinTrendSamples = defA.MinTrendSamples
	}
	if a.BaselineLimit <= 0 {
		a.BaselineLimit = defA.BaselineLimit
	}
	if a.FlapWindow <= 0 {
		a.FlapWindow = defA.FlapWindow
	}
	if a.FlapHistoryLimit <= 0 {
		a.FlapHistoryLimit = defA.FlapHistoryLimit
	}
	if a.DefaultHorizonHours <= 0 {
		a.DefaultHorizonHours = defA.DefaultHorizonHours
	}
	if cfg.Watch.Interval <= 0 {
		cfg.Watch.Interval = def.Watch.Interval
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Source.Kind) {
	case "http":
		if cfg.Source.URL == "" {
			return errors.New("source.url required when source.kind is http")
		}
	case "kafka":
		k := cfg.Source.Kafka
		if len(k.Brokers) == 0 || k.Topic == "" || k.GroupID == "" {
			return errors.New("source.kafka requires brokers, topic, group_id")
		}
	default:
		return fmt.Errorf("unsupported source.kind: %s", cfg.Source.Kind)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Analytics.AnomalyThreshold <= 0 {
		return errors.New("analytics.anomaly_threshold must be > 0")
	}
	if cfg.Analytics.MinSamples < 2 {
		return errors.New("analytics.min_samples must be >= 2")
	}
	if cfg.Watch.Enabled && cfg.Watch.Interval <= 0 {
		return errors.New("watch.interval must be > 0 when watch.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

// NewStatic wraps an already-built config in a Manager with no backing
// file; Reload and Watch are inert.
func NewStatic(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
