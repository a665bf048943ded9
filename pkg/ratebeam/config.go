package ratebeam

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type CacheConfig struct {
	DefaultBucketSize    int            `yaml:"default_bucket_size"`
	StalenessWindowMS    int            `yaml:"staleness_window_ms"`
	OperationBucketSizes map[string]int `yaml:"operation_bucket_sizes"`
	PathBucketSizes      map[string]int `yaml:"path_bucket_sizes"`
}

type Config struct {
	APIKey     string      `yaml:"api_key"`
	Endpoint   string      `yaml:"endpoint"`
	TimeoutMS  int         `yaml:"timeout_ms"`
	MaxRetries int         `yaml:"max_retries"`
	LogLevel   string      `yaml:"log_level"` // "debug","info","warn","error"
	Cache      CacheConfig `yaml:"cache"`
}

func (c Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c CacheConfig) StalenessWindow() time.Duration {
	if c.StalenessWindowMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.StalenessWindowMS) * time.Millisecond
}

// LoadConfig reads a YAML config file and fills defaults. RATEBEAM_API_KEY
// in the environment overrides the api_key field.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if key := os.Getenv("RATEBEAM_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Cache.DefaultBucketSize <= 0 {
		cfg.Cache.DefaultBucketSize = 10
	}

	return &cfg, nil
}
