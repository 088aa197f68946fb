// Package config loads and validates the recall service configuration.
//
// Configuration is YAML with environment variable expansion, so secrets can
// be referenced as ${RECALL_API_KEY} instead of being written to disk.
// Unknown fields are rejected to make typos fail fast.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the root of the service configuration.
type Config struct {
	Server      Server     `yaml:"server"`
	Store       Store      `yaml:"store"`
	Embedder    Embedder   `yaml:"embedder"`
	Retriever   Retriever  `yaml:"retriever"`
	Summarizer  Summarizer `yaml:"summarizer"`
	Plugins     Plugins    `yaml:"plugins"`
	Janitor     Janitor    `yaml:"janitor"`
	Archive     Archive    `yaml:"archive"`
	SyncOnStart bool       `yaml:"sync_on_start"`
}

// Server configures the HTTP listener and its auth gate.
type Server struct {
	Addr              string  `yaml:"addr"`
	APIKey            string  `yaml:"api_key"`
	NoAuth            bool    `yaml:"no_auth"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Store selects the conversation store backend.
type Store struct {
	// Backend is one of "memory", "sqlite" or "postgres".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// Embedder selects the embedding provider backing the vector index.
type Embedder struct {
	// Provider is "hash" (deterministic, offline) or "openai".
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions"`
}

// Retriever tunes context retrieval.
type Retriever struct {
	TopK         int `yaml:"top_k"`
	RecentWindow int `yaml:"recent_window"`
	// SubAgents lists the resource ids the supervisor aggregates across.
	SubAgents []string `yaml:"sub_agents"`
}

// Summarizer configures the conversation titling processor.
type Summarizer struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	Threshold int    `yaml:"threshold"`
	APIKey    string `yaml:"api_key"`
}

// Plugins points at the WASM processor plugin directory.
type Plugins struct {
	Dir string `yaml:"dir"`
}

// Janitor configures the retention sweep.
type Janitor struct {
	Enabled  bool     `yaml:"enabled"`
	Schedule string   `yaml:"schedule"`
	MaxAge   Duration `yaml:"max_age"`
}

// Archive configures where swept conversations are exported.
type Archive struct {
	// Backend is "dir", "s3" or empty to disable archiving.
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// Duration decodes YAML strings like "30m" or "720h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
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

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when a field or the whole file is
// absent.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:              ":8080",
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Store: Store{
			Backend: "sqlite",
			Path:    defaultDBPath(),
		},
		Embedder: Embedder{
			Provider: "hash",
		},
		Retriever: Retriever{
			TopK:         5,
			RecentWindow: 10,
		},
		Summarizer: Summarizer{
			Model:     "claude-sonnet-4-5",
			Threshold: 4,
		},
		Janitor: Janitor{
			Schedule: "0 3 * * *",
			MaxAge:   Duration(30 * 24 * time.Hour),
		},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "recall.db"
	}
	return filepath.Join(home, ".recall", "recall.db")
}

// Load reads, expands and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults after environment variable
// expansion. An empty document yields the defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}

	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return errors.New("store.path is required for the sqlite backend")
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return errors.New("store.dsn is required for the postgres backend")
	}

	switch c.Embedder.Provider {
	case "hash", "openai":
	default:
		return fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider)
	}
	if c.Embedder.Provider == "openai" && c.Embedder.APIKey == "" {
		return errors.New("embedder.api_key is required for the openai provider")
	}

	if c.Retriever.TopK <= 0 {
		return errors.New("retriever.top_k must be positive")
	}
	if c.Retriever.RecentWindow <= 0 {
		return errors.New("retriever.recent_window must be positive")
	}

	switch c.Archive.Backend {
	case "", "dir", "s3":
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	if c.Archive.Backend == "dir" && c.Archive.Dir == "" {
		return errors.New("archive.dir is required for the dir backend")
	}
	if c.Archive.Backend == "s3" && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required for the s3 backend")
	}

	if c.Janitor.Enabled && c.Janitor.MaxAge <= 0 {
		return errors.New("janitor.max_age must be positive")
	}
	return nil
}

// Watch reloads the file at path whenever it changes and hands each
// successfully parsed result to onChange. It watches the parent directory
// because editors typically replace the file rather than write in place.
// Watch returns once the watcher is installed and stops when ctx is done;
// reload failures are logged and the previous configuration stays active.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload skipped", "path", path, "error", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
