// Package config loads process configuration from the environment, an
// optional .env file and an optional YAML tuning file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/docanalysis/internal/pipeline"
	"github.com/Lllllllleong/docanalysis/internal/raster"
	"github.com/Lllllllleong/docanalysis/internal/sourcecache"
	"github.com/Lllllllleong/docanalysis/internal/textsplit"
)

// Strategy names selected at startup.
const (
	ProviderVertex = "vertex"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"

	LeaseFile   = "file"
	LeaseRedis  = "redis"
	LeaseMemory = "memory"

	NotifierFirestore = "firestore"
	NotifierWorkflows = "workflows"
)

type Config struct {
	ProjectID  string
	Region     string
	WorkBucket string

	Temporal TemporalConfig
	Models   ModelConfig
	OpenAI   OpenAIConfig
	Redis    RedisConfig
	Notifier NotifierConfig

	LeaseBackend   string
	MaxSourceBytes int64
	SignedURLTTL   time.Duration
	DPI            float64
	MaxEdge        int
	TokenEncoding  string
	TempRoot       string

	// Tunables, overridable from PIPELINE_CONFIG.
	Policies pipeline.Policies
	Split    textsplit.Options
	Cache    sourcecache.Config
}

type TemporalConfig struct {
	HostPort    string
	Namespace   string
	TaskQueue   string
	Concurrency int
}

type ModelConfig struct {
	Provider          string
	EmbeddingProvider string
	VertexModel       string
}

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	VisionModel    string
	EmbeddingModel string
	EmbeddingDims  int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NotifierConfig struct {
	Kind string
	// Downstream Cloud Workflow that receives finished runs.
	WorkflowLocation string
	WorkflowName     string
}

// Tuning is the shape of the PIPELINE_CONFIG file. Absent keys keep their defaults.
type Tuning struct {
	Pipeline pipeline.Policies  `yaml:"pipeline"`
	Split    textsplit.Options  `yaml:"split"`
	Cache    sourcecache.Config `yaml:"cache"`
}

// Load reads envFile when it exists, then the environment, then the tuning file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := &Config{
		ProjectID:  GetEnv("PROJECT_ID", ""),
		Region:     GetEnv("REGION", "us-central1"),
		WorkBucket: GetEnv("WORK_BUCKET", ""),
		Temporal: TemporalConfig{
			HostPort:    GetEnv("TEMPORAL_ADDRESS", "localhost:7233"),
			Namespace:   GetEnv("TEMPORAL_NAMESPACE", "default"),
			TaskQueue:   GetEnv("TASK_QUEUE", pipeline.DefaultTaskQueue),
			Concurrency: GetEnvInt("WORKER_CONCURRENCY", 8),
		},
		Models: ModelConfig{
			Provider:          strings.ToLower(GetEnv("MODEL_PROVIDER", ProviderVertex)),
			EmbeddingProvider: strings.ToLower(GetEnv("EMBEDDING_PROVIDER", ProviderNone)),
			VertexModel:       GetEnv("VERTEX_MODEL", "gemini-2.0-flash"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         GetEnv("OPENAI_API_KEY", ""),
			BaseURL:        GetEnv("OPENAI_BASE_URL", ""),
			ChatModel:      GetEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			VisionModel:    GetEnv("OPENAI_VISION_MODEL", "gpt-4o"),
			EmbeddingModel: GetEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDims:  GetEnvInt("OPENAI_EMBEDDING_DIMENSION", 1536),
		},
		Redis: RedisConfig{
			Addr:     GetEnv("REDIS_ADDR", ""),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       GetEnvInt("REDIS_DB", 0),
		},
		Notifier: NotifierConfig{
			Kind:             strings.ToLower(GetEnv("NOTIFIER", NotifierFirestore)),
			WorkflowLocation: GetEnv("NOTIFY_WORKFLOW_LOCATION", GetEnv("REGION", "us-central1")),
			WorkflowName:     GetEnv("NOTIFY_WORKFLOW_NAME", ""),
		},
		LeaseBackend:   strings.ToLower(GetEnv("CACHE_LEASE_BACKEND", LeaseFile)),
		MaxSourceBytes: int64(GetEnvInt("MAX_SOURCE_MB", 100)) << 20,
		SignedURLTTL:   GetEnvDuration("SIGNED_URL_TTL", time.Hour),
		DPI:            float64(GetEnvInt("RENDER_DPI", int(raster.DefaultDPI))),
		MaxEdge:        GetEnvInt("RENDER_MAX_EDGE", raster.DefaultMaxEdge),
		TokenEncoding:  GetEnv("TOKEN_ENCODING", "cl100k_base"),
		TempRoot:       GetEnv("TEMP_ROOT", os.TempDir()),
		Policies:       pipeline.DefaultPolicies(),
		Split:          textsplit.DefaultOptions(),
		Cache:          sourcecache.DefaultConfig(),
	}
	if dir := GetEnv("CACHE_DIR", ""); dir != "" {
		cfg.Cache.Dir = dir
	}

	if path := GetEnv("PIPELINE_CONFIG", ""); path != "" {
		if err := cfg.applyTuning(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyTuning(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tuning file: %w", err)
	}
	t := Tuning{Pipeline: c.Policies, Split: c.Split, Cache: c.Cache}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}
	c.Policies, c.Split, c.Cache = t.Pipeline, t.Split, t.Cache
	return nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ProjectID == "" {
		errs = append(errs, errors.New("PROJECT_ID is required"))
	}
	if c.WorkBucket == "" {
		errs = append(errs, errors.New("WORK_BUCKET is required"))
	}
	switch c.Models.Provider {
	case ProviderVertex:
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when MODEL_PROVIDER=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MODEL_PROVIDER %q", c.Models.Provider))
	}
	switch c.Models.EmbeddingProvider {
	case ProviderNone:
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when EMBEDDING_PROVIDER=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.Models.EmbeddingProvider))
	}
	switch c.LeaseBackend {
	case LeaseFile, LeaseMemory:
	case LeaseRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when CACHE_LEASE_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_LEASE_BACKEND %q", c.LeaseBackend))
	}
	switch c.Notifier.Kind {
	case NotifierFirestore:
	case NotifierWorkflows:
		if c.Notifier.WorkflowName == "" {
			errs = append(errs, errors.New("NOTIFY_WORKFLOW_NAME is required when NOTIFIER=workflows"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFIER %q", c.Notifier.Kind))
	}
	if c.MaxSourceBytes <= 0 {
		errs = append(errs, errors.New("MAX_SOURCE_MB must be positive"))
	}
	if err := c.Policies.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetEnv reads an environment variable or returns fallback.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func GetEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}
