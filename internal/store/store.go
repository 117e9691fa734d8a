// Package store defines the document store contract the coordination engine
// runs on. All cross-worker state (entities, work queue, leases) lives behind
// this interface so workers on separate machines share nothing but the store.
package store

import (
	"context"
	"errors"
)

// Collection names used by the harvester.
const (
	CollOrganizations = "organizations"
	CollPeople        = "people"
	CollPages         = "pages"
	CollWorkQueue     = "work_queue"
	CollLocks         = "locks"
	CollSiteMaps      = "site_maps"
)

// M is a filter or update document, compatible with bson.M.
type M = map[string]any

// SortField orders query results by a single field.
type SortField struct {
	Field string
	Desc  bool
}

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when no document matches a point query.
	ErrNotFound = errors.New("store: document not found")
	// ErrDuplicate is returned when an insert violates a unique index. The
	// lease queue uses this as its mutual-exclusion primitive.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Collection exposes typed CRUD plus the atomic find-and-modify the claim
// primitive depends on. Implementations must make FindOneAndUpdate atomic.
type Collection interface {
	// InsertOne inserts doc, returning ErrDuplicate on unique-key conflict.
	InsertOne(ctx context.Context, doc any) error
	// UpsertOne applies update (operator document) to the document matching
	// filter, inserting when absent.
	UpsertOne(ctx context.Context, filter M, update M) error
	// UpdateOne applies update to the first match and reports whether a
	// document was modified.
	UpdateOne(ctx context.Context, filter M, update M) (bool, error)
	// FindOne decodes the first match into out, or returns ErrNotFound.
	FindOne(ctx context.Context, filter M, out any) error
	// FindOneAndUpdate atomically updates the first match (in sort order) and
	// decodes the post-update document into out, or returns ErrNotFound.
	FindOneAndUpdate(ctx context.Context, filter M, update M, sort []SortField, out any) error
	// Find decodes all matches into out (a pointer to a slice), honoring sort
	// order and a limit of 0 for unlimited.
	Find(ctx context.Context, filter M, sort []SortField, limit int64, out any) error
	// DeleteOne removes the first match, returning the deleted count.
	DeleteOne(ctx context.Context, filter M) (int64, error)
	// DeleteMany removes all matches, returning the deleted count.
	DeleteMany(ctx context.Context, filter M) (int64, error)
	// Count returns the number of matching documents.
	Count(ctx context.Context, filter M) (int64, error)
}

// Store provides named collections over a shared document database.
type Store interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// UniqueKeys maps each collection to the field its unique index covers.
// Implementations bootstrap these indexes at connect time; insert-uniqueness
// on these fields is what makes leases and frontier dedup work.
var UniqueKeys = map[string]string{
	CollOrganizations: "url",
	CollPeople:        "profile_url",
	CollPages:         "url",
	CollWorkQueue:     "url",
	CollLocks:         "key",
	CollSiteMaps:      "domain",
}
