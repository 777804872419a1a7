// Package store is the document store adapter the lifecycle services talk to.
// Documents live in named collections, are keyed by id and carry a version that
// is bumped on every update. Single-document operations are atomic; there are no
// multi-document transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a collection has no document with the given id.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned by Create when the id is already taken.
	ErrConflict = errors.New("document already exists")
	// ErrVersionConflict is returned by a conditional Update or Delete against a stale version.
	ErrVersionConflict = errors.New("document version conflict")
)

// Fields holds the JSON-compatible top-level fields of a document.
type Fields map[string]any

// Document is a stored record.
type Document struct {
	ID        string
	Fields    Fields
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the document fields into v using v's JSON tags.
func (d *Document) Decode(v any) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", d.ID, err)
	}
	return nil
}

// FieldsOf converts a struct into Fields through its JSON encoding.
func FieldsOf(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Filter is an equality predicate on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Ordering on these names uses document metadata instead of a field.
const (
	OrderCreatedAt = "createdAt"
	OrderUpdatedAt = "updatedAt"
)

// Query describes a List call. Zero Limit means no limit.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// WriteOption tunes an Update or Delete call.
type WriteOption func(*writeOptions)

type writeOptions struct {
	version      int64
	checkVersion bool
}

// IfVersion makes the write conditional on the stored version still being v.
func IfVersion(v int64) WriteOption {
	return func(o *writeOptions) {
		o.version = v
		o.checkVersion = true
	}
}

func applyWriteOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is the document CRUD API.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	List(ctx context.Context, collection string, q Query) ([]*Document, error)
	// Create inserts a document; an empty id is replaced with a generated one.
	Create(ctx context.Context, collection, id string, fields Fields) (*Document, error)
	// Update merges fields into the stored top-level fields.
	Update(ctx context.Context, collection, id string, fields Fields, opts ...WriteOption) (*Document, error)
	Delete(ctx context.Context, collection, id string, opts ...WriteOption) error
}
