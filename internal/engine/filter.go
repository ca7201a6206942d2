package engine

import (
	"context"
	"strings"

	"github.com/BadgerOps/repoexport/internal/repository"
)

// ContentFilter decides which datastreams go into the archive.
type ContentFilter struct {
	allowed    map[string]bool // nil allows every type
	excluded   map[string]bool
	datastream map[string]bool
}

// NewContentFilter builds a filter whose allowed set is allow minus
// excludeTypes. An empty allow list admits every type not excluded.
func NewContentFilter(allow, excludeTypes, excludeDatastreams []string) *ContentFilter {
	f := &ContentFilter{
		excluded:   toSet(excludeTypes),
		datastream: make(map[string]bool, len(excludeDatastreams)),
	}
	for _, ds := range excludeDatastreams {
		f.datastream[ds] = true
	}
	if len(allow) > 0 {
		f.allowed = make(map[string]bool, len(allow))
		for t := range toSet(allow) {
			if !f.excluded[t] {
				f.allowed[t] = true
			}
		}
	}
	return f
}

func toSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[normalizeType(t)] = true
	}
	return set
}

// normalizeType lowercases and drops parameters ("text/xml; charset=utf-8").
func normalizeType(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// Include reports whether unit belongs in the archive. A failure to read the
// unit's metadata is returned as an error, never as a decision.
func (f *ContentFilter) Include(ctx context.Context, unit repository.ContentUnit) (bool, error) {
	if f.datastream[unit.ID()] {
		return false, nil
	}
	mt, err := unit.MimeType(ctx)
	if err != nil {
		return false, err
	}
	mt = normalizeType(mt)
	if f.allowed == nil {
		return !f.excluded[mt], nil
	}
	return f.allowed[mt], nil
}
