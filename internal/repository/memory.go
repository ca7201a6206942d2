package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryObject is an object held by a Memory store.
type MemoryObject struct {
	PID         string              `yaml:"id"`
	Title       string              `yaml:"label"`
	ModelTags   []string            `yaml:"models"`
	Relations   map[string][]string `yaml:"relations"`
	Datastreams []*MemoryUnit       `yaml:"datastreams"`

	// DatastreamsErr makes ContentUnits fail.
	DatastreamsErr error `yaml:"-"`

	relationOrder []string
}

func (o *MemoryObject) ID() string       { return o.PID }
func (o *MemoryObject) Label() string    { return o.Title }
func (o *MemoryObject) Models() []string { return o.ModelTags }

// Parents returns parent ids grouped by relation, following the owning
// store's relation order, then declaration order within a relation.
// Relations outside that order come last, sorted by name.
func (o *MemoryObject) Parents() []string {
	var parents []string
	seen := make(map[string]bool, len(o.relationOrder))
	for _, name := range o.relationOrder {
		if seen[name] {
			continue
		}
		seen[name] = true
		parents = append(parents, o.Relations[name]...)
	}

	var rest []string
	for name := range o.Relations {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		parents = append(parents, o.Relations[name]...)
	}
	return parents
}

func (o *MemoryObject) ContentUnits(ctx context.Context) ([]ContentUnit, error) {
	if o.DatastreamsErr != nil {
		return nil, &Error{Op: "datastreams", ID: o.PID, Err: o.DatastreamsErr}
	}
	units := make([]ContentUnit, 0, len(o.Datastreams))
	for _, ds := range o.Datastreams {
		units = append(units, ds)
	}
	return units, nil
}

func (o *MemoryObject) memberOf(parentID string, relations []string) bool {
	for _, rel := range relations {
		for _, p := range o.Relations[rel] {
			if p == parentID {
				return true
			}
		}
	}
	return false
}

// MemoryUnit is a datastream held in memory or backed by a local file.
type MemoryUnit struct {
	DSID    string `yaml:"id"`
	Title   string `yaml:"label"`
	Mime    string `yaml:"mimetype"`
	Content string `yaml:"content"`
	File    string `yaml:"file"`

	MimeErr     error `yaml:"-"`
	RetrieveErr error `yaml:"-"`

	owner string
}

func (u *MemoryUnit) ID() string    { return u.DSID }
func (u *MemoryUnit) Label() string { return u.Title }

func (u *MemoryUnit) MimeType(ctx context.Context) (string, error) {
	if u.MimeErr != nil {
		return "", &Error{Op: "mimetype", ID: u.owner + "/" + u.DSID, Err: u.MimeErr}
	}
	return u.Mime, nil
}

func (u *MemoryUnit) RetrieveTo(ctx context.Context, who Identity, dest string) error {
	if u.RetrieveErr != nil {
		return &Error{Op: "retrieve", ID: u.owner + "/" + u.DSID, Err: u.RetrieveErr}
	}

	data := []byte(u.Content)
	if u.File != "" {
		b, err := os.ReadFile(u.File)
		if err != nil {
			return &Error{Op: "retrieve", ID: u.owner + "/" + u.DSID, Err: err}
		}
		data = b
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}

// Memory is an in-process Repository and Index. Children are listed in the
// order objects were added.
type Memory struct {
	mu            sync.RWMutex
	objects       map[string]*MemoryObject
	order         []string
	relationOrder []string
}

// NewMemory creates a Memory store holding objs. Parents follow
// DefaultParentPredicates until SetRelationOrder says otherwise, matching the
// Fedora adapter's default.
func NewMemory(objs ...*MemoryObject) *Memory {
	m := &Memory{
		objects:       make(map[string]*MemoryObject),
		relationOrder: DefaultParentPredicates,
	}
	for _, o := range objs {
		m.Add(o)
	}
	return m
}

// SetRelationOrder sets the relation precedence used by every object's
// Parents, the way FedoraOptions.ParentPredicates does for Fedora.
func (m *Memory) SetRelationOrder(relations []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relationOrder = slices.Clone(relations)
	for _, o := range m.objects {
		o.relationOrder = m.relationOrder
	}
}

// Add inserts or replaces an object.
func (m *Memory) Add(o *MemoryObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.relationOrder = m.relationOrder
	for _, ds := range o.Datastreams {
		ds.owner = o.PID
	}
	if _, exists := m.objects[o.PID]; !exists {
		m.order = append(m.order, o.PID)
	}
	m.objects[o.PID] = o
}

func (m *Memory) LoadObject(ctx context.Context, who Identity, id string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[id]
	if !ok {
		return nil, &Error{Op: "load", ID: id, Err: ErrNotFound}
	}
	return o, nil
}

func (m *Memory) CountChildren(ctx context.Context, who Identity, parentID string, relations []string) (int, error) {
	ids, err := m.ListChildren(ctx, who, parentID, relations, 0)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (m *Memory) ListChildren(ctx context.Context, who Identity, parentID string, relations []string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, id := range m.order {
		if m.objects[id].memberOf(parentID, relations) {
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

type fixtureFile struct {
	Objects []*MemoryObject `yaml:"objects"`
}

// LoadFixture reads a YAML fixture into a Memory store. Datastream file paths
// are resolved relative to the fixture's directory.
func LoadFixture(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}

	var ff fixtureFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}

	base := filepath.Dir(path)
	m := NewMemory()
	for _, o := range ff.Objects {
		if o.PID == "" {
			return nil, fmt.Errorf("fixture object without id")
		}
		for _, ds := range o.Datastreams {
			if ds.File != "" && !filepath.IsAbs(ds.File) {
				ds.File = filepath.Join(base, ds.File)
			}
		}
		m.Add(o)
	}
	return m, nil
}
