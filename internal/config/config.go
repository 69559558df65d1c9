// Package config provides configuration for the nescordvault binary.
// Loads from: env vars > .nescord/config.toml > built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EmbeddingDim returns the configured embedding vector dimensionality.
// A mismatch between this value and what a provider actually returns
// is a fatal configuration error (spec §4.J).
func EmbeddingDim() int {
	if v := os.Getenv("EMBED_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if cfg := loadConfigSafe(); cfg != nil && cfg.Embedding.Dimensions > 0 {
		return cfg.Embedding.Dimensions
	}
	return 768 // nomic-embed-text default, matches the teacher's Ollama default
}

// Config holds all NescordVault configuration, loaded from TOML + env.
type Config struct {
	Git       GitConfig       `toml:"git"`
	AI        AIConfig        `toml:"ai"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Queue     QueueConfig     `toml:"queue"`
	Privacy   PrivacyConfig   `toml:"privacy"`
	Worker    WorkerConfig    `toml:"worker"`
}

// GitConfig holds remote Git mirror settings.
type GitConfig struct {
	RemoteURL    string `toml:"remote_url"`
	Branch       string `toml:"branch"`
	AuthMode     string `toml:"auth_mode"` // "token" or "installation"
	Token        string `toml:"token"`
	AppKeyPath   string `toml:"app_key_path"`
	AppInstallID string `toml:"app_install_id"`
}

// AIConfig holds paid-AI provider settings and the monthly ceiling. Primary
// and Secondary name providers ("ollama", "openai", "openai-compatible")
// in the Fallback Manager's own vocabulary (spec.md §4.I) rather than an
// auto-detecting provider chain.
type AIConfig struct {
	Primary           string `toml:"primary"`
	Secondary         string `toml:"secondary"`
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	MonthlyTokenLimit int64  `toml:"monthly_token_limit"`
}

// EmbeddingConfig mirrors the teacher's embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Dimensions int    `toml:"dimensions"`
}

// QueueConfig holds Persistent Queue tuning parameters.
type QueueConfig struct {
	MaxAttempts  int `toml:"max_attempts"`
	BatchSize    int `toml:"batch_size"`
	BatchTimeout int `toml:"batch_timeout_ms"`
	LeaseMs      int `toml:"lease_duration_ms"`
}

// PrivacyConfig holds Privacy Filter defaults.
type PrivacyConfig struct {
	DefaultLevel string `toml:"default_level"` // none|low|medium|high
}

// WorkerConfig holds Batch Processor concurrency settings.
type WorkerConfig struct {
	Concurrency int `toml:"concurrency"`
}

// DefaultConfig returns a Config with all built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Git: GitConfig{
			Branch:   "main",
			AuthMode: "token",
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
		},
		Queue: QueueConfig{
			MaxAttempts:  5,
			BatchSize:    10,
			BatchTimeout: 5000,
			LeaseMs:      30000,
		},
		Privacy: PrivacyConfig{
			DefaultLevel: "medium",
		},
		Worker: WorkerConfig{
			Concurrency: 1,
		},
	}
}

// LoadConfig merges all configuration sources: defaults < TOML file < env vars.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if configPath := findConfigFile(); configPath != "" {
		meta, err := toml.DecodeFile(configPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
		warnUnknownKeys(meta, configPath)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GIT_REMOTE_URL"); v != "" {
		cfg.Git.RemoteURL = v
	}
	if v := os.Getenv("GIT_BRANCH"); v != "" {
		cfg.Git.Branch = v
	}
	if v := os.Getenv("GIT_AUTH_MODE"); v != "" {
		cfg.Git.AuthMode = v
	}
	if v := os.Getenv("GIT_TOKEN"); v != "" {
		cfg.Git.Token = v
	}
	if v := os.Getenv("GIT_APP_KEY_PATH"); v != "" {
		cfg.Git.AppKeyPath = v
	}
	if v := os.Getenv("GIT_APP_INSTALL_ID"); v != "" {
		cfg.Git.AppInstallID = v
	}
	if v := os.Getenv("AI_PRIMARY"); v != "" {
		cfg.AI.Primary = v
	}
	if v := os.Getenv("AI_SECONDARY"); v != "" {
		cfg.AI.Secondary = v
	}
	if v := os.Getenv("AI_MONTHLY_TOKEN_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.AI.MonthlyTokenLimit = n
		}
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("SAME_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("EMBED_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("QUEUE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.BatchSize = n
		}
	}
	if v := os.Getenv("QUEUE_BATCH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.BatchTimeout = n
		}
	}
	if v := os.Getenv("LEASE_DURATION_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.LeaseMs = n
		}
	}
	if v := os.Getenv("PRIVACY_DEFAULT_LEVEL"); v != "" {
		cfg.Privacy.DefaultLevel = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
}

// findConfigFile looks for .nescord/config.toml in DataRoot, then CWD.
func findConfigFile() string {
	candidates := []string{
		filepath.Join(DataRoot(), "config.toml"),
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ".nescord", "config.toml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadConfigSafe() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		return nil
	}
	return cfg
}

// warnUnknownKeys prints warnings for unrecognized TOML keys, matching the
// teacher's forgiving-but-noisy config loading behavior.
func warnUnknownKeys(meta toml.MetaData, configPath string) {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return
	}
	fname := filepath.Base(configPath)
	for _, key := range undecoded {
		fmt.Fprintf(os.Stderr, "nescordvault: warning: unknown config key %q in %s\n", key.String(), fname)
	}
}

// DataRoot returns the root directory for all persistent state (spec §6).
func DataRoot() string {
	if v := os.Getenv("DATA_ROOT"); v != "" {
		return v
	}
	return "/var/lib/nescordvault"
}

// DBPath returns the path to the Relational Store SQLite file.
func DBPath() string {
	return filepath.Join(DataRoot(), "store.db")
}

// VectorDir returns the directory holding the Vector Store's persistence files.
func VectorDir() string {
	return filepath.Join(DataRoot(), "vectors")
}

// GitBaseDir returns the base directory under which per-instance working
// trees (git/instance_<id>/) are created.
func GitBaseDir() string {
	return filepath.Join(DataRoot(), "git")
}

// TmpDir returns the directory for transient, auto-cleaned files.
func TmpDir() string {
	return filepath.Join(DataRoot(), "tmp")
}

// EnsureDataDirs creates the persistent state directories if missing.
func EnsureDataDirs() error {
	for _, d := range []string{DataRoot(), VectorDir(), GitBaseDir(), TmpDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// LogLevel returns the configured minimum log level (default "info").
func LogLevel() string {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); v != "" {
		return v
	}
	return "info"
}

// AIRequestDeadline is the default per-operation deadline for AI calls (spec §5).
const AIRequestDeadline = 60 * time.Second

// OllamaURL returns the base URL of the local Ollama instance used for the
// "ollama" AI provider, defaulting to the standard local install address.
func OllamaURL() (string, error) {
	if v := strings.TrimSpace(os.Getenv("OLLAMA_URL")); v != "" {
		return v, nil
	}
	return "http://localhost:11434", nil
}
