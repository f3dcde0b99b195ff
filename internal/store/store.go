// Package store abstracts the document database that is the single source
// of truth for stations, playlists and users. The cache and the deadline
// keys are warm mirrors only; every transition re-derives correctness from
// documents read here.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("store: document not found")

// Filter matches documents by field equality. The reserved key "_id"
// addresses a document's id.
type Filter map[string]any

// DocumentStore is the persistence contract consumed by the state machine.
type DocumentStore interface {
	// Find decodes every matching document into results, which must be a
	// pointer to a slice.
	Find(ctx context.Context, collection string, filter Filter, results any) error

	// FindOne decodes the first matching document into out.
	FindOne(ctx context.Context, collection string, filter Filter, out any) error

	Insert(ctx context.Context, collection string, doc any) error

	// UpdateOne sets the given fields on the first matching document.
	UpdateOne(ctx context.Context, collection string, filter Filter, set map[string]any) error

	DeleteOne(ctx context.Context, collection string, filter Filter) error
}
