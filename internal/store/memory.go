package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used for development and tests. Values are
// normalized through JSON on the way in and out so callers observe the same
// shapes (float64 numbers, fresh maps) the Postgres store returns.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]*memRecord
	seq         int64
	now         func() time.Time
}

type memRecord struct {
	doc Document
	seq int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: map[string]map[string]*memRecord{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Get(_ context.Context, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return copyDocument(&rec.doc)
}

func (m *Memory) List(_ context.Context, collection string, q Query) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filters := make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		v, err := normalize(f.Value)
		if err != nil {
			return nil, err
		}
		filters[i] = Filter{Field: f.Field, Value: v}
	}

	var matched []*memRecord
	for _, rec := range m.collections[collection] {
		if matches(rec.doc.Fields, filters) {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareRecords(matched[i], matched[j], q.OrderBy)
		if c == 0 {
			c = compareInt(matched[i].seq, matched[j].seq)
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*Document, 0, len(matched))
	for _, rec := range matched {
		doc, err := copyDocument(&rec.doc)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (m *Memory) Create(_ context.Context, collection, id string, fields Fields) (*Document, error) {
	normalized, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collections[collection]
	if docs == nil {
		docs = map[string]*memRecord{}
		m.collections[collection] = docs
	}
	if _, exists := docs[id]; exists {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrConflict)
	}
	now := m.now()
	m.seq++
	rec := &memRecord{
		doc: Document{ID: id, Fields: normalized, Version: 1, CreatedAt: now, UpdatedAt: now},
		seq: m.seq,
	}
	docs[id] = rec
	return copyDocument(&rec.doc)
}

func (m *Memory) Update(_ context.Context, collection, id string, fields Fields, opts ...WriteOption) (*Document, error) {
	normalized, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}
	o := applyWriteOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if o.checkVersion && rec.doc.Version != o.version {
		return nil, fmt.Errorf("%s/%s at version %d, expected %d: %w", collection, id, rec.doc.Version, o.version, ErrVersionConflict)
	}
	merged := Fields{}
	for k, v := range rec.doc.Fields {
		merged[k] = v
	}
	for k, v := range normalized {
		merged[k] = v
	}
	rec.doc.Fields = merged
	rec.doc.Version++
	rec.doc.UpdatedAt = m.now()
	return copyDocument(&rec.doc)
}

func (m *Memory) Delete(_ context.Context, collection, id string, opts ...WriteOption) error {
	o := applyWriteOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if o.checkVersion && rec.doc.Version != o.version {
		return fmt.Errorf("%s/%s at version %d, expected %d: %w", collection, id, rec.doc.Version, o.version, ErrVersionConflict)
	}
	delete(m.collections[collection], id)
	return nil
}

func matches(fields Fields, filters []Filter) bool {
	for _, f := range filters {
		if !reflect.DeepEqual(fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

func compareRecords(a, b *memRecord, orderBy string) int {
	switch orderBy {
	case "", OrderCreatedAt:
		return a.doc.CreatedAt.Compare(b.doc.CreatedAt)
	case OrderUpdatedAt:
		return a.doc.UpdatedAt.Compare(b.doc.UpdatedAt)
	}
	return compareValues(a.doc.Fields[orderBy], b.doc.Fields[orderBy])
}

// compareValues orders nil first, then numbers, strings and booleans by value.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case nil:
		if b == nil {
			return 0
		}
		return -1
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	if b == nil {
		return 1
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	return out, nil
}

func normalizeFields(fields Fields) (Fields, error) {
	if fields == nil {
		return Fields{}, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store: encode fields: %w", err)
	}
	out := Fields{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("store: decode fields: %w", err)
	}
	return out, nil
}

func copyDocument(d *Document) (*Document, error) {
	fields, err := normalizeFields(d.Fields)
	if err != nil {
		return nil, err
	}
	cp := *d
	cp.Fields = fields
	return &cp, nil
}
