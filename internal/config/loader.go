package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RECALL_"
)

// defaults is loaded before the file so that booleans can default to true.
const defaults = `
server:
  host: 127.0.0.1
  port: 9191
  shutdown_timeout: 10s
storage:
  path: ~/.config/recall/data
embeddings:
  provider: tei
  model: BAAI/bge-small-en-v1.5
  base_url: http://localhost:8080
  min_length: 5
  max_batch_size: 32
  inter_batch_delay: 200ms
vectorstore:
  provider: chromem
  chromem:
    compress: true
    collection: recall_messages
  qdrant:
    host: localhost
    port: 6334
    collection_name: recall_messages
indexer:
  enabled: true
  interval: 5m
  scrub_secrets: true
  scrub_gitleaks: false
retrieval:
  enabled: true
  max_results: 5
  min_score: 0.5
  context_window: 2
  fallback_unscoped: true
  rerank:
    provider: simple
    backend: openai
    requests_per_second: 2
    timeout: 10s
router:
  cache_size: 256
source:
  postgres:
    table: messages
    page_limit: 1000
  nats:
    subject: recall.deletions
    buffer: 4096
logging:
  level: info
  format: json
  sampling: true
observability:
  enable_telemetry: false
  endpoint: localhost:4317
  protocol: grpc
  insecure: true
  service_name: recall
  sample_rate: 1.0
`

// subsections lists nested blocks so that env keys like
// RECALL_VECTORSTORE_QDRANT_HOST reach vectorstore.qdrant.host.
var subsections = map[string][]string{
	"vectorstore": {"chromem", "qdrant"},
	"retrieval":   {"rerank"},
	"source":      {"postgres", "nats"},
}

// DefaultPath returns ~/.config/recall/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "recall", "config.yaml"), nil
}

// Load loads built-in defaults, then the YAML file, then RECALL_ environment
// variables, each overriding the last.
//
// An empty configPath uses DefaultPath. A missing file is not an error. An
// existing file must be 0600 or 0400, at most 1MB, and live under
// ~/.config/recall/ or /etc/recall/.
//
// Environment keys map as RECALL_SECTION_FIELD -> section.field:
//
//	RECALL_INDEXER_INTERVAL -> indexer.interval
//	RECALL_RETRIEVAL_MIN_SCORE -> retrieval.min_score
//	RECALL_SOURCE_POSTGRES_DSN -> source.postgres.dsn
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := finalize(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps RECALL_SECTION_FIELD_NAME to section.field_name, honouring
// the known subsections.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	for _, sub := range subsections[section] {
		if rest, found := strings.CutPrefix(field, sub+"_"); found {
			return section + "." + sub + "." + rest
		}
	}
	return section + "." + field
}

// readConfigFile returns nil content when the file does not exist. The file
// is opened once and validated through its descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	if resolvedHome, err := filepath.EvalSymlinks(home); err == nil && strings.HasPrefix(resolvedPath, resolvedHome) {
		home = resolvedHome
	}
	allowedDirs := []string{
		filepath.Join(home, ".config", "recall"),
		"/etc/recall",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/recall/ or /etc/recall/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// finalize expands ~ in paths.
func finalize(cfg *Config) error {
	for _, p := range []*string{&cfg.Storage.Path, &cfg.Embeddings.CacheDir, &cfg.Indexer.AllowListFile} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

// IndexPath is the chromem directory under the storage path.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Storage.Path, "index")
}

// StatePath is the checkpoint database under the storage path.
func (c *Config) StatePath() string {
	return filepath.Join(c.Storage.Path, "state.db")
}
