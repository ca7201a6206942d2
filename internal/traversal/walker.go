package traversal

import (
	"context"
	"iter"
	"strings"

	"github.com/BadgerOps/repoexport/internal/repository"
)

// Node is one object yielded by a Walker.
type Node struct {
	ID    string
	Depth int
	// Path holds "label (id)" components from the root down to this node.
	Path []string
	// Object is nil when LoadErr is set.
	Object  repository.Object
	LoadErr error
}

// PathString joins Path with '/'.
func (n *Node) PathString() string {
	return strings.Join(n.Path, "/")
}

// Walker produces a lazy pre-order walk of the forest rooted at a start list.
type Walker struct {
	root *Level
}

// NewWalker creates a walker over start, never yielding anything in exclude.
func NewWalker(cfg Config, start, exclude []string) *Walker {
	return &Walker{root: NewRoot(cfg, start, exclude)}
}

// Root returns the root level.
func (w *Walker) Root() *Level {
	return w.root
}

// All restarts the root and yields every reachable, non-excluded object once.
// Index failures are yielded as (nil, err); the node whose children could not
// be resolved is treated as a leaf and the walk continues. A cancelled
// context is yielded as the final error.
func (w *Walker) All(ctx context.Context) iter.Seq2[*Node, error] {
	return func(yield func(*Node, error) bool) {
		if err := w.root.Restart(); err != nil {
			yield(nil, err)
			return
		}

		stack := []*Level{w.root}
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			top := stack[len(stack)-1]
			if !top.Valid() {
				stack = stack[:len(stack)-1]
				if len(stack) > 0 {
					stack[len(stack)-1].Advance()
				}
				continue
			}

			obj, loadErr := top.Object(ctx)
			node := &Node{
				ID:      top.Current(),
				Depth:   top.Depth(),
				Path:    top.PathComponents(ctx),
				Object:  obj,
				LoadErr: loadErr,
			}
			if loadErr != nil {
				node.Object = nil
			}
			if !yield(node, nil) {
				return
			}

			child, err := descend(ctx, top)
			if err != nil {
				if !yield(nil, err) {
					return
				}
			}
			if child != nil {
				stack = append(stack, child)
				continue
			}
			top.Advance()
		}
	}
}

func descend(ctx context.Context, l *Level) (*Level, error) {
	has, err := l.HasChildren(ctx)
	if err != nil || !has {
		return nil, err
	}
	return l.Children(ctx)
}
