package engine

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	fileListName = "files.txt"
	// NotApplicable replaces the URL of a disabled checksum manifest.
	NotApplicable = "N/A"
)

// ManifestEntry is one line of a checksum manifest.
type ManifestEntry struct {
	File      string    `json:"file"`
	Digest    string    `json:"digest"`
	Algorithm Algorithm `json:"algorithm"`
}

// DigestedFile is a file whose digests were computed before it left the
// export directory (the container of a split export).
type DigestedFile struct {
	Name    string
	Digests Digests
}

// ManifestSet is what ManifestGenerator wrote.
type ManifestSet struct {
	FileURLs     []string
	ManifestURLs map[Algorithm]string
	Entries      []ManifestEntry
	// Files are the absolute paths of files.txt and every checksum manifest.
	Files []string
}

// ManifestGenerator writes files.txt and one <algorithm>.txt per enabled
// algorithm into an export directory.
type ManifestGenerator struct {
	BaseURL    string
	Algorithms []Algorithm
}

// Generate lists deliverables (base names inside dir) as absolute URLs and
// checksums every name in checksummed plus the precomputed files.
func (g *ManifestGenerator) Generate(dir string, deliverables, checksummed []string, precomputed []DigestedFile) (*ManifestSet, error) {
	dirName := filepath.Base(dir)
	set := &ManifestSet{ManifestURLs: make(map[Algorithm]string)}

	var list strings.Builder
	for _, name := range deliverables {
		u, err := url.JoinPath(g.BaseURL, dirName, name)
		if err != nil {
			return nil, fmt.Errorf("building url for %s: %w", name, err)
		}
		set.FileURLs = append(set.FileURLs, u)
		list.WriteString(u)
		list.WriteByte('\n')
	}
	listPath := filepath.Join(dir, fileListName)
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", fileListName, err)
	}
	set.Files = append(set.Files, listPath)

	lines := make(map[Algorithm]*strings.Builder, len(g.Algorithms))
	for _, alg := range g.Algorithms {
		lines[alg] = &strings.Builder{}
	}

	add := func(name string, digests Digests) {
		for _, alg := range g.Algorithms {
			fmt.Fprintf(lines[alg], "%s *%s\n", digests[alg], name)
			set.Entries = append(set.Entries, ManifestEntry{File: name, Digest: digests[alg], Algorithm: alg})
		}
	}

	if len(g.Algorithms) > 0 {
		for _, name := range checksummed {
			digests, err := DigestFile(filepath.Join(dir, name), g.Algorithms)
			if err != nil {
				return nil, err
			}
			add(name, digests)
		}
		for _, pf := range precomputed {
			add(pf.Name, pf.Digests)
		}
	}

	enabled := make(map[Algorithm]bool, len(g.Algorithms))
	for _, alg := range g.Algorithms {
		enabled[alg] = true
		name := string(alg) + ".txt"
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(lines[alg].String()), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
		u, err := url.JoinPath(g.BaseURL, dirName, name)
		if err != nil {
			return nil, fmt.Errorf("building url for %s: %w", name, err)
		}
		set.ManifestURLs[alg] = u
		set.Files = append(set.Files, path)
	}
	for _, alg := range KnownAlgorithms() {
		if !enabled[alg] {
			set.ManifestURLs[alg] = NotApplicable
		}
	}
	return set, nil
}
