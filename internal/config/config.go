package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Auth     AuthConfig     `yaml:"auth"`
	Vision   VisionConfig   `yaml:"vision"`
	Matching MatchingConfig `yaml:"matching"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Staging  StagingConfig  `yaml:"staging"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type AuthConfig struct {
	SigningKey  string `yaml:"signing_key"`
	Issuer      string `yaml:"issuer"`
	RoleBaseURL string `yaml:"role_base_url"`
	SkipRole    bool   `yaml:"skip_role"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	MeshPrefix         int     `yaml:"mesh_prefix"`
	RequireSingleFace  *bool   `yaml:"require_single_face"`
}

// SingleFace reports whether extraction must reject frames with more than one face.
// Defaults to true when unset.
func (v VisionConfig) SingleFace() bool {
	if v.RequireSingleFace == nil {
		return true
	}
	return *v.RequireSingleFace
}

type MatchingConfig struct {
	Threshold         float64 `yaml:"threshold"`
	NarrowedThreshold float64 `yaml:"narrowed_threshold"`
	AmbiguityEpsilon  float64 `yaml:"ambiguity_epsilon"`
}

type ScannerConfig struct {
	Port       int    `yaml:"port"`
	CameraURL  string `yaml:"camera_url"`
	FPS        int    `yaml:"fps"`
	Width      int    `yaml:"width"`
	APIBaseURL string `yaml:"api_base_url"`
}

type StagingConfig struct {
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	CommitTimeout time.Duration `yaml:"commit_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.MeshPrefix == 0 {
		cfg.Vision.MeshPrefix = 20
	}
	if cfg.Matching.Threshold == 0 {
		cfg.Matching.Threshold = 0.82
	}
	if cfg.Matching.NarrowedThreshold == 0 {
		cfg.Matching.NarrowedThreshold = 0.88
	}
	if cfg.Matching.AmbiguityEpsilon == 0 {
		cfg.Matching.AmbiguityEpsilon = 0.02
	}
	if cfg.Scanner.Port == 0 {
		cfg.Scanner.Port = 8090
	}
	if cfg.Scanner.FPS == 0 {
		cfg.Scanner.FPS = 5
	}
	if cfg.Scanner.Width == 0 {
		cfg.Scanner.Width = 640
	}
	if cfg.Staging.Path == "" {
		cfg.Staging.Path = "staging.db"
	}
	if cfg.Staging.FlushInterval == 0 {
		cfg.Staging.FlushInterval = 5 * time.Second
	}
	if cfg.Staging.CommitTimeout == 0 {
		cfg.Staging.CommitTimeout = 3 * time.Second
	}
	if cfg.Staging.MaxRetries == 0 {
		cfg.Staging.MaxRetries = 20
	}
	if cfg.Staging.MaxBackoff == 0 {
		cfg.Staging.MaxBackoff = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROCTOR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PROCTOR_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("PROCTOR_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PROCTOR_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("PROCTOR_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PROCTOR_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PROCTOR_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PROCTOR_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PROCTOR_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("PROCTOR_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("PROCTOR_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("PROCTOR_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("PROCTOR_SIGNING_KEY"); v != "" {
		cfg.Auth.SigningKey = v
	}
	if v := os.Getenv("PROCTOR_ROLE_BASE_URL"); v != "" {
		cfg.Auth.RoleBaseURL = v
	}
	if v := os.Getenv("PROCTOR_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("PROCTOR_STAGING_PATH"); v != "" {
		cfg.Staging.Path = v
	}
	if v := os.Getenv("PROCTOR_CAMERA_URL"); v != "" {
		cfg.Scanner.CameraURL = v
	}
	if v := os.Getenv("PROCTOR_API_BASE_URL"); v != "" {
		cfg.Scanner.APIBaseURL = v
	}
}
