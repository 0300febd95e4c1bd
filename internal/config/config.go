package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = 8080
	defaultDownloadDir      = "downloads"
	defaultMaxWorkers       = 4
	defaultRetryCount       = 4
	defaultSizeProbeTimeout = 5 * time.Second
	defaultQueueStore       = "state"
	defaultQueueKey         = "queue.json"
	defaultLogLevel         = "info"
)

// Config describes runtime configuration for the daemon.
type Config struct {
	Port             int           `yaml:"port"`
	DownloadDir      string        `yaml:"download_dir"`
	MaxWorkers       int           `yaml:"max_workers"`
	RetryCount       int           `yaml:"retry_count"`
	SizeProbeTimeout time.Duration `yaml:"size_probe_timeout"`
	// QueueStore is a bucket URL (file://, mem://) or a plain directory.
	QueueStore     string `yaml:"queue_store"`
	QueueKey       string `yaml:"queue_key"`
	RestoreOnStart bool   `yaml:"restore_on_start"`
	ShutdownWait   bool   `yaml:"shutdown_wait"`
	LogLevel       string `yaml:"log_level"`
	HTTP           HTTP   `yaml:"http"`
	Tools          Tools  `yaml:"tools"`
}

// HTTP tunes the generic HTTP download variant.
type HTTP struct {
	Timeout   time.Duration `yaml:"timeout"`
	RPS       int           `yaml:"rps"`
	Burst     int           `yaml:"burst"`
	UserAgent string        `yaml:"user_agent"`
}

// Tools names the executables used by the subprocess variants.
type Tools struct {
	Mega      string `yaml:"mega"`
	YouTube   string `yaml:"youtube"`
	PlayStore string `yaml:"playstore"`
}

func Default() Config {
	return Config{
		Port:             defaultPort,
		DownloadDir:      defaultDownloadDir,
		MaxWorkers:       defaultMaxWorkers,
		RetryCount:       defaultRetryCount,
		SizeProbeTimeout: defaultSizeProbeTimeout,
		QueueStore:       defaultQueueStore,
		QueueKey:         defaultQueueKey,
		RestoreOnStart:   true,
		LogLevel:         defaultLogLevel,
		HTTP:             HTTP{UserAgent: "queuedownloader"},
		Tools: Tools{
			Mega:      "megadl",
			YouTube:   "yt-dlp",
			PlayStore: "apkeep",
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error. Keys absent from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	normalize(&cfg)
	return cfg, validate(cfg)
}

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	cfg.DownloadDir = strings.TrimSpace(cfg.DownloadDir)
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaultDownloadDir
	}
	if cfg.SizeProbeTimeout == 0 {
		cfg.SizeProbeTimeout = defaultSizeProbeTimeout
	}
	cfg.QueueStore = strings.TrimSpace(cfg.QueueStore)
	if cfg.QueueStore == "" {
		cfg.QueueStore = defaultQueueStore
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = defaultQueueKey
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
}

func validate(cfg Config) error {
	// values < 1 are not allowed
	if cfg.MaxWorkers < 1 {
		return fmt.Errorf("invalid max_workers: %d (must be >= 1)", cfg.MaxWorkers)
	}
	if cfg.RetryCount < 0 {
		return fmt.Errorf("invalid retry_count: %d (must be >= 0)", cfg.RetryCount)
	}
	if cfg.SizeProbeTimeout < 0 || cfg.HTTP.Timeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if cfg.HTTP.RPS < 0 || cfg.HTTP.Burst < 0 {
		return errors.New("http.rps and http.burst must not be negative")
	}
	if (cfg.HTTP.RPS == 0) != (cfg.HTTP.Burst == 0) {
		return errors.New("http.rps and http.burst must be set together")
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	return nil
}

// Level returns the configured zerolog level.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
