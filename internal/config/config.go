package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 8080
	defaultDataDir        = "data"
	defaultRequestTimeout = 10 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultRedirectDelay  = 1500 * time.Millisecond
	defaultPresignExpiry  = 15 * time.Minute
	defaultMaxList        = 1000
)

// Duration is a time.Duration that unmarshals from YAML strings like "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Backend configures the external download-job service.
type Backend struct {
	BaseURL        string   `yaml:"base_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	RedirectDelay  Duration `yaml:"redirect_delay"`
}

// Storage configures the object-store collaborator.
type Storage struct {
	BucketURL     string   `yaml:"bucket_url"`
	PresignExpiry Duration `yaml:"presign_expiry"`
	MaxList       int      `yaml:"max_list"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port    int     `yaml:"port"`
	DataDir string  `yaml:"data_dir"`
	Backend Backend `yaml:"backend"`
	Storage Storage `yaml:"storage"`
}

// Default returns the built-in configuration; backend and bucket URLs have
// no defaults and must come from the file or the environment.
func Default() Config {
	return Config{
		Port:    defaultPort,
		DataDir: defaultDataDir,
		Backend: Backend{
			RequestTimeout: Duration(defaultRequestTimeout),
			PollInterval:   Duration(defaultPollInterval),
			RedirectDelay:  Duration(defaultRedirectDelay),
		},
		Storage: Storage{
			PresignExpiry: Duration(defaultPresignExpiry),
			MaxList:       defaultMaxList,
		},
	}
}

// Load reads YAML config from the provided path. A missing or empty file is
// not an error; environment variables BUCKETDROP_BACKEND_URL and
// BUCKETDROP_BUCKET_URL override the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}

	if v := os.Getenv("BUCKETDROP_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("BUCKETDROP_BUCKET_URL"); v != "" {
		cfg.Storage.BucketURL = v
	}

	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.Backend.RequestTimeout <= 0 {
		cfg.Backend.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if cfg.Backend.PollInterval <= 0 {
		cfg.Backend.PollInterval = Duration(defaultPollInterval)
	}
	if cfg.Backend.RedirectDelay <= 0 {
		cfg.Backend.RedirectDelay = Duration(defaultRedirectDelay)
	}
	if cfg.Storage.PresignExpiry <= 0 {
		cfg.Storage.PresignExpiry = Duration(defaultPresignExpiry)
	}
	if cfg.Storage.MaxList <= 0 {
		cfg.Storage.MaxList = defaultMaxList
	}

	if cfg.Backend.BaseURL == "" {
		return cfg, errors.New("backend.base_url is required")
	}
	if cfg.Storage.BucketURL == "" {
		return cfg, errors.New("storage.bucket_url is required")
	}
	return cfg, nil
}
