package traversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BadgerOps/repoexport/internal/repository"
)

// DefaultChildLimit caps the number of children fetched for one parent.
const DefaultChildLimit = 100000

// ErrNonRootRestart is returned when Restart is called on a child level.
// Only the root owns the pass and may rewind it.
var ErrNonRootRestart = errors.New("traversal: restart is only defined on the root level")

// Config holds the collaborators shared by every level of a traversal.
type Config struct {
	Repository repository.Repository
	Index      repository.Index
	Identity   repository.Identity
	// Relations are the index fields OR'd together to find children.
	Relations  []string
	ChildLimit int
	Logger     *slog.Logger
}

// Level iterates one list of sibling ids. The root level is built from the
// start list; child levels are built by Children and share the root's
// ExclusionSet.
type Level struct {
	cfg      *Config
	ids      []string
	cursor   int
	excluded *ExclusionSet
	pristine []string // root only
	parent   *Level
	depth    int

	// object cache for the id under the cursor
	objCursor int
	obj       repository.Object
	objErr    error

	// label of the root object's outside parent, root only
	prefixCursor int
	prefix       string
}

// NewRoot creates the root level over start, excluding the ids in exclude.
func NewRoot(cfg Config, start, exclude []string) *Level {
	if cfg.ChildLimit <= 0 {
		cfg.ChildLimit = DefaultChildLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Level{
		cfg:       &cfg,
		ids:       append([]string(nil), start...),
		excluded:  NewExclusionSet(exclude...),
		pristine:  append([]string(nil), exclude...),
		objCursor: -1,

		prefixCursor: -1,
	}
	l.seek()
	return l
}

func (l *Level) IsRoot() bool { return l.parent == nil }

func (l *Level) Parent() *Level { return l.parent }

func (l *Level) Depth() int { return l.depth }

// Exclusions returns the set shared by this pass.
func (l *Level) Exclusions() *ExclusionSet { return l.excluded }

// Valid reports whether the cursor is on a yieldable id: in bounds, not
// excluded, and not already open on the ancestor chain.
func (l *Level) Valid() bool {
	if l.cursor >= len(l.ids) {
		return false
	}
	id := l.ids[l.cursor]
	return !l.excluded.Contains(id) && !l.onAncestorChain(id)
}

func (l *Level) onAncestorChain(id string) bool {
	for p := l.parent; p != nil; p = p.parent {
		if p.cursor < len(p.ids) && p.ids[p.cursor] == id {
			return true
		}
	}
	return false
}

// Current returns the id under the cursor, or "" when exhausted.
func (l *Level) Current() string {
	if l.cursor >= len(l.ids) {
		return ""
	}
	return l.ids[l.cursor]
}

// Advance excludes the current id for the rest of the pass and moves to the
// next valid id.
func (l *Level) Advance() {
	if l.cursor < len(l.ids) {
		l.excluded.Add(l.ids[l.cursor])
		l.cursor++
	}
	l.seek()
}

func (l *Level) seek() {
	for l.cursor < len(l.ids) && !l.Valid() {
		l.cursor++
	}
}

// Restart rewinds the root to its first id and restores the exclusion set to
// the caller-supplied contents, discarding everything the last pass added.
func (l *Level) Restart() error {
	if !l.IsRoot() {
		return ErrNonRootRestart
	}
	l.excluded.reset(l.pristine)
	l.cursor = 0
	l.objCursor = -1
	l.obj, l.objErr = nil, nil
	l.prefixCursor = -1
	l.seek()
	return nil
}

// HasChildren asks the index whether anything is a member of the current id.
func (l *Level) HasChildren(ctx context.Context) (bool, error) {
	if !l.Valid() {
		return false, nil
	}
	n, err := l.cfg.Index.CountChildren(ctx, l.cfg.Identity, l.Current(), l.cfg.Relations)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Children builds the level for the current id's members. The child shares
// this level's ExclusionSet by reference.
func (l *Level) Children(ctx context.Context) (*Level, error) {
	ids, err := l.cfg.Index.ListChildren(ctx, l.cfg.Identity, l.Current(), l.cfg.Relations, l.cfg.ChildLimit)
	if err != nil {
		return nil, err
	}
	child := &Level{
		cfg:       l.cfg,
		ids:       ids,
		excluded:  l.excluded,
		parent:    l,
		depth:     l.depth + 1,
		objCursor: -1,
	}
	child.seek()
	return child, nil
}

// Object loads the repository object under the cursor. The result is cached
// until the cursor moves.
func (l *Level) Object(ctx context.Context) (repository.Object, error) {
	if l.objCursor != l.cursor {
		l.obj, l.objErr = l.cfg.Repository.LoadObject(ctx, l.cfg.Identity, l.Current())
		l.objCursor = l.cursor
	}
	return l.obj, l.objErr
}

func (l *Level) label(ctx context.Context) string {
	obj, err := l.Object(ctx)
	if err != nil || obj.Label() == "" {
		return l.Current()
	}
	return obj.Label()
}

// PathComponents returns "label (id)" for every level from the root down to
// this one. A root object that is not a collection is placed under the label
// of its own first parent.
func (l *Level) PathComponents(ctx context.Context) []string {
	var chain []*Level
	for p := l; p != nil; p = p.parent {
		chain = append(chain, p)
	}

	components := make([]string, 0, len(chain)+1)
	root := chain[len(chain)-1]
	if prefix := root.parentLabel(ctx); prefix != "" {
		components = append(components, prefix)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		lv := chain[i]
		components = append(components, fmt.Sprintf("%s (%s)", lv.label(ctx), lv.Current()))
	}
	return components
}

// Path is PathComponents joined with '/'.
func (l *Level) Path(ctx context.Context) string {
	return strings.Join(l.PathComponents(ctx), "/")
}

func (l *Level) parentLabel(ctx context.Context) string {
	if l.prefixCursor != l.cursor {
		l.prefix = l.resolveParentLabel(ctx)
		l.prefixCursor = l.cursor
	}
	return l.prefix
}

func (l *Level) resolveParentLabel(ctx context.Context) string {
	obj, err := l.Object(ctx)
	if err != nil || repository.HasModel(obj, repository.CollectionModel) {
		return ""
	}
	parents := obj.Parents()
	if len(parents) == 0 {
		return ""
	}
	parent, err := l.cfg.Repository.LoadObject(ctx, l.cfg.Identity, parents[0])
	if err != nil {
		l.cfg.Logger.Debug("parent label unavailable", "object", l.Current(), "parent", parents[0], "error", err)
		return parents[0]
	}
	if parent.Label() == "" {
		return parents[0]
	}
	return parent.Label()
}
