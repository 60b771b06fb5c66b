// Package config loads the gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	VersionID    string
	DefaultModel string // empty: first model of the selected provider family
	ModelsFile   string // optional YAML model table replacing the built-in one

	LLM      LLMConfig
	Workflow WorkflowConfig
	Mock     MockConfig
	Records  RecordsConfig
	Threads  ThreadsConfig
}

type LLMConfig struct {
	BaseURL         string
	UpstreamTimeout time.Duration
	MaxRetries      int
}

type WorkflowConfig struct {
	Prefix       string
	DefaultAgent string
	BaseURL      string
	EventKey     string
	EventSource  string // sse | nats
	StreamURL    string
	NATSURL      string
	NATSSubject  string
	Timeout      time.Duration
	Retries      int
}

// Enabled reports whether a workflow orchestrator is configured.
func (w WorkflowConfig) Enabled() bool {
	return w.BaseURL != ""
}

type MockConfig struct {
	StreamDelay time.Duration
}

type RecordsConfig struct {
	Backend     string // memory | sqlite | postgresql
	SQLitePath  string
	PostgresURL string
}

type ThreadsConfig struct {
	Backend   string // memory | redis
	RedisAddr string
	Prefix    string
	TTL       time.Duration
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment take precedence over .env.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}

	cfg := Config{
		Port:         e.str("PORT", "8080"),
		VersionID:    e.str("GATEWAY_VERSION", "v1"),
		DefaultModel: e.str("DEFAULT_AI_MODEL", ""),
		ModelsFile:   e.str("MODELS_FILE", ""),
		LLM: LLMConfig{
			BaseURL:         e.str("LLM_BASE_URL", "https://api.openai.com"),
			UpstreamTimeout: e.duration("LLM_UPSTREAM_TIMEOUT", 60*time.Second),
			MaxRetries:      e.int("LLM_MAX_RETRIES", 0),
		},
		Workflow: WorkflowConfig{
			Prefix:       e.str("WORKFLOW_PREFIX", "wf"),
			DefaultAgent: e.str("WORKFLOW_DEFAULT_AGENT", "default"),
			BaseURL:      e.str("WORKFLOW_BASE_URL", ""),
			EventKey:     e.str("WORKFLOW_EVENT_KEY", ""),
			EventSource:  strings.ToLower(e.str("WORKFLOW_EVENT_SOURCE", "sse")),
			StreamURL:    e.str("WORKFLOW_STREAM_URL", ""),
			NATSURL:      e.str("NATS_URL", "nats://127.0.0.1:4222"),
			NATSSubject:  e.str("WORKFLOW_NATS_SUBJECT", "workflow.events"),
			Timeout:      e.duration("WORKFLOW_TIMEOUT", 120*time.Second),
			Retries:      e.int("WORKFLOW_SUBMIT_RETRIES", 0),
		},
		Mock: MockConfig{
			StreamDelay: e.duration("MOCK_STREAM_DELAY", 50*time.Millisecond),
		},
		Records: RecordsConfig{
			Backend:     strings.ToLower(e.str("RECORD_STORE", "memory")),
			SQLitePath:  e.str("SQLITE_PATH", ".data/gateway.db"),
			PostgresURL: e.str("POSTGRES_URL", ""),
		},
		Threads: ThreadsConfig{
			Backend:   strings.ToLower(e.str("THREAD_STORE", "memory")),
			RedisAddr: e.str("REDIS_ADDR", "127.0.0.1:6379"),
			Prefix:    e.str("THREAD_STORE_PREFIX", "gateway"),
			TTL:       e.duration("THREAD_TTL", 0),
		},
	}

	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("config: PORT must not be empty"))
	}
	switch c.Records.Backend {
	case "memory", "sqlite":
	case "postgresql":
		if c.Records.PostgresURL == "" {
			errs = append(errs, errors.New("config: POSTGRES_URL is required for RECORD_STORE=postgresql"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown RECORD_STORE %q", c.Records.Backend))
	}
	switch c.Threads.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("config: unknown THREAD_STORE %q", c.Threads.Backend))
	}
	if c.Workflow.Enabled() {
		switch c.Workflow.EventSource {
		case "sse":
			if c.Workflow.StreamURL == "" {
				errs = append(errs, errors.New("config: WORKFLOW_STREAM_URL is required when WORKFLOW_BASE_URL is set"))
			}
		case "nats":
		default:
			errs = append(errs, fmt.Errorf("config: unknown WORKFLOW_EVENT_SOURCE %q", c.Workflow.EventSource))
		}
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("config: LLM_MAX_RETRIES must be >= 0"))
	}
	if c.Workflow.Retries < 0 {
		errs = append(errs, errors.New("config: WORKFLOW_SUBMIT_RETRIES must be >= 0"))
	}
	return errors.Join(errs...)
}

type env struct {
	getenv func(string) string
	errs   []error
}

// str returns the value of key or def if not set.
func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

// duration accepts plain integers (seconds) or Go duration strings.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}
