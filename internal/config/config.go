// Package config provides configuration for the control plane.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the control plane configuration. It is built once at start-up
// and passed to the components that need it.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int
	RPCAddr      string

	// Storage
	DataDir        string
	DatabaseDriver string
	DatabaseURL    string

	// Artifacts
	ArtifactBackend string
	ArtifactDir     string
	MinIO           MinIOConfig

	// Policy
	PolicyFile       string
	AllowedRepos     []string
	DeniedOperations []string
	// PolicyModule replaces the built-in Rego policy when set.
	PolicyModule string

	// Scheduling and execution
	ExpensiveActions []string
	DefaultLease     time.Duration
	StepQuantum      time.Duration

	// Apply pipeline
	ApplyRetryBudget int
	ApplyBackoffBase time.Duration
	ApplyBackoffMax  time.Duration
	ApplyStaleAfter  time.Duration

	// Collaborators
	EngineHTTPEndpoint string
	TrackerURL         string
	TrackerToken       string

	// In-process workers
	WorkerCount int
	WorkerPoll  time.Duration

	// Logging
	LogLevel string
}

// MinIOConfig locates the object store used by the minio artifact backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// PolicyFile is the YAML document POLICY_FILE points at.
type PolicyFile struct {
	AllowedRepos     []string `yaml:"allowed_repos"`
	DeniedOperations []string `yaml:"denied_operations"`
	// RegoFile is resolved relative to the policy file.
	RegoFile string `yaml:"rego_file,omitempty"`
}

// Load loads configuration from environment variables, then overlays the
// policy file if one is configured.
func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", "./data")
	cfg := &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 8080),
		InternalPort:   getEnvInt("INTERNAL_PORT", 8081),
		RPCAddr:        getEnv("RPC_ADDR", ":8082"),
		DataDir:        dataDir,
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", filepath.Join(dataDir, "control.db")),

		ArtifactBackend: getEnv("ARTIFACT_BACKEND", "fs"),
		ArtifactDir:     getEnv("ARTIFACT_DIR", filepath.Join(dataDir, "artifacts")),
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "run-artifacts"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},

		PolicyFile:       getEnv("POLICY_FILE", ""),
		AllowedRepos:     getEnvList("ALLOWED_REPOS", nil),
		DeniedOperations: getEnvList("DENIED_OPERATIONS", nil),

		ExpensiveActions: getEnvList("EXPENSIVE_ACTIONS", []string{"repo.checkout", "tests.run"}),
		DefaultLease:     time.Duration(getEnvInt("DEFAULT_LEASE_SECONDS", 300)) * time.Second,
		StepQuantum:      time.Duration(getEnvInt("STEP_QUANTUM_MS", 60000)) * time.Millisecond,

		ApplyRetryBudget: getEnvInt("APPLY_RETRY_BUDGET", 3),
		ApplyBackoffBase: time.Duration(getEnvInt("APPLY_BACKOFF_BASE_MS", 200)) * time.Millisecond,
		ApplyBackoffMax:  time.Duration(getEnvInt("APPLY_BACKOFF_MAX_MS", 5000)) * time.Millisecond,
		ApplyStaleAfter:  time.Duration(getEnvInt("APPLY_STALE_AFTER_SECONDS", 120)) * time.Second,

		EngineHTTPEndpoint: getEnv("ENGINE_HTTP_ENDPOINT", ""),
		TrackerURL:         getEnv("TRACKER_URL", ""),
		TrackerToken:       getEnv("TRACKER_TOKEN", ""),

		WorkerCount: getEnvInt("WORKER_COUNT", 0),
		WorkerPoll:  time.Duration(getEnvInt("WORKER_POLL_MS", 1000)) * time.Millisecond,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.PolicyFile != "" {
		if err := cfg.loadPolicyFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later and less clearly.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite3 or sqlite, got %q", c.DatabaseDriver)
	}
	switch c.ArtifactBackend {
	case "fs":
	case "minio":
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return fmt.Errorf("ARTIFACT_BACKEND=minio requires MINIO_ENDPOINT and MINIO_BUCKET")
		}
	default:
		return fmt.Errorf("ARTIFACT_BACKEND must be fs or minio, got %q", c.ArtifactBackend)
	}
	if c.ApplyRetryBudget <= 0 {
		return fmt.Errorf("APPLY_RETRY_BUDGET must be positive")
	}
	if c.DefaultLease <= 0 {
		return fmt.Errorf("DEFAULT_LEASE_SECONDS must be positive")
	}
	return nil
}

func (c *Config) loadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	pf, err := ParsePolicyFile(data)
	if err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	if pf.AllowedRepos != nil {
		c.AllowedRepos = pf.AllowedRepos
	}
	if pf.DeniedOperations != nil {
		c.DeniedOperations = pf.DeniedOperations
	}
	if pf.RegoFile != "" {
		regoPath := pf.RegoFile
		if !filepath.IsAbs(regoPath) {
			regoPath = filepath.Join(filepath.Dir(path), regoPath)
		}
		module, err := os.ReadFile(regoPath)
		if err != nil {
			return fmt.Errorf("read rego module: %w", err)
		}
		c.PolicyModule = string(module)
	}
	return nil
}

// ParsePolicyFile decodes a policy file. Unknown keys are rejected.
func ParsePolicyFile(data []byte) (PolicyFile, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return PolicyFile{}, fmt.Errorf("decode policy file: %w", err)
	}
	for i, repo := range pf.AllowedRepos {
		if strings.TrimSpace(repo) == "" {
			return PolicyFile{}, fmt.Errorf("allowed_repos[%d] is empty", i)
		}
	}
	return pf, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
