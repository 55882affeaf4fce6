package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Evidence   EvidenceConfig   `yaml:"evidence" mapstructure:"evidence"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Connector  ConnectorConfig  `yaml:"connector" mapstructure:"connector"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures task dispatch and the worker pool.
type QueueConfig struct {
	Driver            string `yaml:"driver" mapstructure:"driver"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalMs    int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	RedisURL          string `yaml:"redis_url" mapstructure:"redis_url"`
	RedisKey          string `yaml:"redis_key" mapstructure:"redis_key"`
	TemporalHost      string `yaml:"temporal_host" mapstructure:"temporal_host"`
	TemporalNamespace string `yaml:"temporal_namespace" mapstructure:"temporal_namespace"`
	TemporalTaskQueue string `yaml:"temporal_task_queue" mapstructure:"temporal_task_queue"`
}

// RetryConfig bounds task retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// EvidenceConfig configures the blob store for uploads and reports.
type EvidenceConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	LocalDir        string `yaml:"local_dir" mapstructure:"local_dir"`
	PresignTTLSecs  int    `yaml:"presign_ttl_secs" mapstructure:"presign_ttl_secs"`
	SignerEmail     string `yaml:"signer_email" mapstructure:"signer_email"`
	SignerKeyPath   string `yaml:"signer_key_path" mapstructure:"signer_key_path"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
	PublicURL       string `yaml:"public_url" mapstructure:"public_url"`
}

// OCRConfig configures PDF and image text extraction.
type OCRConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	PDFProvider   string `yaml:"pdf_provider" mapstructure:"pdf_provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
	ImageProvider string `yaml:"image_provider" mapstructure:"image_provider"`
}

// ConnectorConfig configures eligibility lookups.
type ConnectorConfig struct {
	RatePerSec       float64           `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int               `yaml:"burst" mapstructure:"burst"`
	FailureThreshold int               `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int               `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	Routes           map[string]string `yaml:"routes" mapstructure:"routes"`
}

// ExtractionConfig selects the extraction provider.
type ExtractionConfig struct {
	Provider  string `yaml:"provider" mapstructure:"provider"`
	ModelName string `yaml:"model_name" mapstructure:"model_name"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EBC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.redis_key", "ebc:tasks")
	v.SetDefault("queue.temporal_host", "localhost:7233")
	v.SetDefault("queue.temporal_namespace", "default")
	v.SetDefault("queue.temporal_task_queue", "eb-verifications")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("evidence.driver", "local")
	v.SetDefault("evidence.local_dir", "./evidence")
	v.SetDefault("evidence.presign_ttl_secs", 900)
	v.SetDefault("ocr.enabled", false)
	v.SetDefault("ocr.pdf_provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_ocr_model", "pixtral-large-latest")
	v.SetDefault("ocr.image_provider", "none")
	v.SetDefault("connector.rate_per_sec", 5.0)
	v.SetDefault("connector.burst", 5)
	v.SetDefault("connector.failure_threshold", 5)
	v.SetDefault("connector.reset_timeout_secs", 30)
	v.SetDefault("extraction.provider", "rules")
	v.SetDefault("extraction.model_name", "rules-v1")
	v.SetDefault("auth.issuer", "eb-copilot")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command mode depends on are present.
// Modes: "serve", "worker", "migrate", "cli".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve", "worker", "migrate", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	if mode == "migrate" {
		return joinProblems(problems)
	}

	switch c.Queue.Driver {
	case "memory":
	case "postgres":
		if c.Store.Driver != "postgres" {
			problems = append(problems, "queue.driver postgres requires store.driver postgres")
		}
	case "redis":
		if c.Queue.RedisURL == "" {
			problems = append(problems, "queue.redis_url is required for redis")
		}
	case "temporal":
		if c.Queue.TemporalHost == "" || c.Queue.TemporalTaskQueue == "" {
			problems = append(problems, "queue.temporal_host and queue.temporal_task_queue are required for temporal")
		}
	default:
		problems = append(problems, "queue.driver must be memory, postgres, redis or temporal")
	}
	if c.Queue.Concurrency < 1 || c.Queue.Concurrency > 64 {
		problems = append(problems, "queue.concurrency must be between 1 and 64")
	}

	switch c.Evidence.Driver {
	case "memory":
	case "local":
		if c.Evidence.LocalDir == "" {
			problems = append(problems, "evidence.local_dir is required for local")
		}
	case "gcs":
		if c.Evidence.Bucket == "" {
			problems = append(problems, "evidence.bucket is required for gcs")
		}
	default:
		problems = append(problems, "evidence.driver must be memory, local or gcs")
	}

	if c.OCR.Enabled && (c.OCR.PDFProvider == "mistral" || c.OCR.ImageProvider == "mistral") && c.OCR.MistralKey == "" {
		problems = append(problems, "ocr.mistral_api_key is required for the mistral provider")
	}

	if c.Extraction.Provider != "rules" {
		problems = append(problems, "extraction.provider must be rules")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Auth.JWTSecret == "" {
			problems = append(problems, "auth.jwt_secret is required")
		}
	}

	return joinProblems(problems)
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return eris.Errorf("config: %s", strings.Join(problems, "; "))
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
