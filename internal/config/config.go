package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/repoexport/internal/safety"
)

// Repository backends.
const (
	BackendFedora  = "fedora"
	BackendFixture = "fixture"
)

// Config is the top-level configuration
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	Index      IndexConfig      `yaml:"index"`
	Export     ExportConfig     `yaml:"export"`
	Events     EventsConfig     `yaml:"events"`
	Server     ServerConfig     `yaml:"server"`
}

// ServerConfig configures the HTTP server that publishes export directories
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// RepositoryConfig selects and configures the object store
type RepositoryConfig struct {
	Backend          string   `yaml:"backend"`
	BaseURL          string   `yaml:"base_url"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Fixture          string   `yaml:"fixture"`
	ParentPredicates []string `yaml:"parent_predicates"`
	RetryAttempts    int      `yaml:"retry_attempts"`
	Timeout          string   `yaml:"timeout"`
}

// IndexConfig configures the membership index (Solr). Ignored by the
// fixture backend, which answers membership queries itself.
type IndexConfig struct {
	BaseURL    string   `yaml:"base_url"`
	Relations  []string `yaml:"relations"`
	IDField    string   `yaml:"id_field"`
	Sort       string   `yaml:"sort"`
	ChildLimit int      `yaml:"child_limit"`
	Timeout    string   `yaml:"timeout"`
}

// ExportConfig holds export defaults and output settings
type ExportConfig struct {
	RootDir            string       `yaml:"root_dir"`
	DBPath             string       `yaml:"db_path"`
	BaseURL            string       `yaml:"base_url"`
	ArchiveName        string       `yaml:"archive_name"`
	Compression        string       `yaml:"compression"`
	Identity           string       `yaml:"identity"`
	TTLHours           int          `yaml:"ttl_hours"`
	Checksums          []string     `yaml:"checksums"`
	ContentTypes       []string     `yaml:"content_types"`
	ExcludeDatastreams []string     `yaml:"exclude_datastreams"`
	Limits             LimitsConfig `yaml:"limits"`
}

// LimitsConfig holds size limits in units of Scale ("1MB", "512KB", ...)
type LimitsConfig struct {
	Scale          string `yaml:"scale"`
	SourceLimit    int64  `yaml:"source_limit"`
	SplitThreshold int64  `yaml:"split_threshold"`
	Splitter       string `yaml:"splitter"`
}

// EventsConfig configures where completion events are delivered
type EventsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Timeout    string `yaml:"timeout"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Repository: RepositoryConfig{
			Backend:          BackendFedora,
			BaseURL:          "http://localhost:8080/fedora",
			ParentPredicates: []string{"isMemberOfCollection", "isMemberOf", "isConstituentOf"},
			RetryAttempts:    3,
			Timeout:          "60s",
		},
		Index: IndexConfig{
			BaseURL: "http://localhost:8080/solr/collection1",
			Relations: []string{
				"RELS_EXT_isMemberOfCollection_uri_ms",
				"RELS_EXT_isMemberOf_uri_ms",
				"RELS_EXT_isConstituentOf_uri_ms",
			},
			IDField:    "PID",
			Sort:       "PID asc",
			ChildLimit: 100000,
			Timeout:    "30s",
		},
		Export: ExportConfig{
			RootDir:     "/var/lib/repoexport/exports",
			DBPath:      "",
			BaseURL:     "http://localhost/exports",
			ArchiveName: "export.tar.zst",
			Compression: "default",
			TTLHours:    168,
			Checksums:   []string{"md5"},
			Limits: LimitsConfig{
				Scale:    "1MB",
				Splitter: "split",
			},
		},
		Events: EventsConfig{
			Timeout: "10s",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"repoexport.yaml",
		"/etc/repoexport/repoexport.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "repoexport", "repoexport.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DBPath returns the tracking database path, defaulting to a file beside
// the export root.
func (c *Config) DBPath() string {
	if c.Export.DBPath != "" {
		return c.Export.DBPath
	}
	return filepath.Join(filepath.Dir(filepath.Clean(c.Export.RootDir)), "repoexport.db")
}

// Validate checks settings that would otherwise fail mid-export
func (c *Config) Validate() error {
	switch c.Repository.Backend {
	case BackendFedora:
		if _, err := safety.ValidateHTTPURL(c.Repository.BaseURL); err != nil {
			return fmt.Errorf("repository.base_url: %w", err)
		}
		if _, err := safety.ValidateHTTPURL(c.Index.BaseURL); err != nil {
			return fmt.Errorf("index.base_url: %w", err)
		}
	case BackendFixture:
		if c.Repository.Fixture == "" {
			return fmt.Errorf("repository.fixture is required for the fixture backend")
		}
	default:
		return fmt.Errorf("unknown repository backend %q", c.Repository.Backend)
	}

	if len(c.Index.Relations) == 0 {
		return fmt.Errorf("index.relations must name at least one field")
	}
	if c.Export.RootDir == "" {
		return fmt.Errorf("export.root_dir is required")
	}
	if c.Export.TTLHours < 0 {
		return fmt.Errorf("export.ttl_hours must not be negative")
	}
	if c.Export.BaseURL != "" {
		if _, err := safety.ValidateBaseURL(c.Export.BaseURL); err != nil {
			return fmt.Errorf("export.base_url: %w", err)
		}
	}
	if _, err := c.Export.EncoderLevel(); err != nil {
		return err
	}
	if c.Events.WebhookURL != "" {
		if _, err := safety.ValidateHTTPURL(c.Events.WebhookURL); err != nil {
			return fmt.Errorf("events.webhook_url: %w", err)
		}
	}

	for name, raw := range map[string]string{
		"repository.timeout": c.Repository.Timeout,
		"index.timeout":      c.Index.Timeout,
		"events.timeout":     c.Events.Timeout,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// EncoderLevel maps the compression name to a zstd level
func (e ExportConfig) EncoderLevel() (zstd.EncoderLevel, error) {
	if e.Compression == "" {
		return zstd.SpeedDefault, nil
	}
	ok, level := zstd.EncoderLevelFromString(e.Compression)
	if !ok {
		return 0, fmt.Errorf("unknown compression level %q (want fastest, default, better or best)", e.Compression)
	}
	return level, nil
}

// ParseDuration parses a Go duration string; empty means no timeout
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
