package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/repoexport/internal/repository"
	"github.com/BadgerOps/repoexport/internal/safety"
)

// Request is one export job. It is not modified while the export runs.
type Request struct {
	Identity            repository.Identity `yaml:"identity" json:"identity"`
	ContentTypes        []string            `yaml:"content_types" json:"content_types"`
	ExcludeContentTypes []string            `yaml:"exclude_content_types" json:"exclude_content_types"`
	ExcludeDatastreams  []string            `yaml:"exclude_datastreams" json:"exclude_datastreams"`
	StartObjects        []string            `yaml:"start_objects" json:"start_objects"`
	ExcludeObjects      []string            `yaml:"exclude_objects" json:"exclude_objects"`
	Limits              SizeLimits          `yaml:"limits" json:"limits"`
	Checksums           []string            `yaml:"checksums" json:"checksums"`
	TTLHours            int                 `yaml:"ttl_hours" json:"ttl_hours"`
	BaseURL             string              `yaml:"base_url" json:"base_url"`
}

// LoadRequest reads a request file. .json and .jsonc files may carry
// comments and trailing commas; anything else is parsed as YAML.
func LoadRequest(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}

	var req Request
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &req); err != nil {
			return nil, fmt.Errorf("parsing request %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("parsing request %s: %w", path, err)
		}
	}
	return &req, nil
}

// ApplyDefaults fills unset fields from def.
func (r *Request) ApplyDefaults(def Request) {
	if r.Identity.User == "" {
		r.Identity = def.Identity
	}
	if len(r.ContentTypes) == 0 {
		r.ContentTypes = slices.Clone(def.ContentTypes)
	}
	if len(r.ExcludeDatastreams) == 0 {
		r.ExcludeDatastreams = slices.Clone(def.ExcludeDatastreams)
	}
	if len(r.Checksums) == 0 {
		r.Checksums = slices.Clone(def.Checksums)
	}
	if r.TTLHours == 0 {
		r.TTLHours = def.TTLHours
	}
	if r.BaseURL == "" {
		r.BaseURL = def.BaseURL
	}
	if r.Limits.Scale == 0 {
		r.Limits.Scale = def.Limits.Scale
	}
	if r.Limits.SourceLimit == 0 && !r.Limits.NoSourceLimit {
		r.Limits.SourceLimit = def.Limits.SourceLimit
	}
	if r.Limits.SplitThreshold == 0 && !r.Limits.NoSplit {
		r.Limits.SplitThreshold = def.Limits.SplitThreshold
	}
	if r.Limits.Splitter == "" {
		r.Limits.Splitter = def.Limits.Splitter
	}
}

// Validate checks the request before any work is done.
func (r *Request) Validate() error {
	if len(r.StartObjects) == 0 {
		return fmt.Errorf("request has no start objects")
	}
	if _, err := safety.ValidateBaseURL(r.BaseURL); err != nil {
		return fmt.Errorf("base url: %w", err)
	}
	if r.TTLHours < 0 {
		return fmt.Errorf("ttl_hours must not be negative")
	}
	if _, err := ParseAlgorithms(r.Checksums); err != nil {
		return err
	}
	if _, err := r.Limits.Resolve(); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy, used to freeze event payloads.
func (r Request) Clone() Request {
	r.ContentTypes = slices.Clone(r.ContentTypes)
	r.ExcludeContentTypes = slices.Clone(r.ExcludeContentTypes)
	r.ExcludeDatastreams = slices.Clone(r.ExcludeDatastreams)
	r.StartObjects = slices.Clone(r.StartObjects)
	r.ExcludeObjects = slices.Clone(r.ExcludeObjects)
	r.Checksums = slices.Clone(r.Checksums)
	return r
}
