package repository

import (
	"context"
	"errors"
	"fmt"
)

// CollectionModel is the content model tag carried by collection objects.
const CollectionModel = "islandora:collectionCModel"

// Identity is the acting principal for one export. It is passed explicitly to
// every repository and index call; nothing in this package keeps a current user.
type Identity struct {
	User   string `yaml:"user" json:"user"`
	Secret string `yaml:"secret,omitempty" json:"-"`
}

// Anonymous reports whether no acting user was supplied.
func (i Identity) Anonymous() bool {
	return i.User == ""
}

// Object is the capability surface the exporter needs from a repository object.
type Object interface {
	ID() string
	Label() string
	// Models returns the object's content model tags.
	Models() []string
	// Parents returns the ids this object declares membership in, in relation order.
	Parents() []string
	ContentUnits(ctx context.Context) ([]ContentUnit, error)
}

// ContentUnit is one named, typed blob attached to an object (a datastream).
type ContentUnit interface {
	ID() string
	Label() string
	MimeType(ctx context.Context) (string, error)
	// RetrieveTo writes the unit's bytes to dest, replacing any existing file.
	RetrieveTo(ctx context.Context, who Identity, dest string) error
}

// Repository loads objects by identifier.
type Repository interface {
	LoadObject(ctx context.Context, who Identity, id string) (Object, error)
}

// Index resolves parent/child membership. Children are objects whose
// membership fields (any of relations) reference parentID.
type Index interface {
	CountChildren(ctx context.Context, who Identity, parentID string, relations []string) (int, error)
	ListChildren(ctx context.Context, who Identity, parentID string, relations []string, limit int) ([]string, error)
}

// HasModel reports whether obj carries the given content model.
func HasModel(obj Object, model string) bool {
	for _, m := range obj.Models() {
		if m == model {
			return true
		}
	}
	return false
}

// ErrNotFound is wrapped by adapters when an object or datastream does not exist.
var ErrNotFound = errors.New("not found")

// Error is a failure talking to the repository or index about one item.
type Error struct {
	Op  string // "load", "datastreams", "mimetype", "retrieve", "count", "list"
	ID  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("repository %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsAccessError reports whether err came from a repository or index call.
func IsAccessError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}
