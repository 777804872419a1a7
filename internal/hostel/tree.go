// Package hostel persists the hostel→floor→room tree as one document per hostel
// and applies structural edits to it.
package hostel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hostel/internal/lock"
	"hostel/internal/store"
)

// Collection holds one document per hostel.
const Collection = "hostels"

const defaultMaxRetries = 3

// document is the stored shape: the floor tree is kept as JSON text.
type document struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Gender           Gender   `json:"gender"`
	IsActive         bool     `json:"isActive"`
	PricePerTerm     float64  `json:"pricePerTerm"`
	Features         []string `json:"features,omitempty"`
	Images           []string `json:"images,omitempty"`
	TotalCapacity    int      `json:"totalCapacity"`
	CurrentOccupancy int      `json:"currentOccupancy"`
	Floors           string   `json:"floors"`
}

// Patch lists the top-level fields a Save writes. Nil fields are left as stored.
type Patch struct {
	Name             *string
	Description      *string
	Gender           *Gender
	IsActive         *bool
	PricePerTerm     *float64
	Features         []string
	Images           []string
	TotalCapacity    *int
	CurrentOccupancy *int
	Floors           []Floor
}

func (p Patch) fields() (store.Fields, error) {
	f := store.Fields{}
	if p.Name != nil {
		f["name"] = *p.Name
	}
	if p.Description != nil {
		f["description"] = *p.Description
	}
	if p.Gender != nil {
		f["gender"] = *p.Gender
	}
	if p.IsActive != nil {
		f["isActive"] = *p.IsActive
	}
	if p.PricePerTerm != nil {
		f["pricePerTerm"] = *p.PricePerTerm
	}
	if p.Features != nil {
		f["features"] = p.Features
	}
	if p.Images != nil {
		f["images"] = p.Images
	}
	if p.TotalCapacity != nil {
		f["totalCapacity"] = *p.TotalCapacity
	}
	if p.CurrentOccupancy != nil {
		f["currentOccupancy"] = *p.CurrentOccupancy
	}
	if p.Floors != nil {
		text, err := encodeFloors(p.Floors)
		if err != nil {
			return nil, err
		}
		f["floors"] = text
	}
	return f, nil
}

// treePatch writes the floors and both derived counters of h.
func treePatch(h *Hostel) Patch {
	floors := h.Floors
	if floors == nil {
		floors = []Floor{}
	}
	return Patch{
		Floors:           floors,
		TotalCapacity:    &h.TotalCapacity,
		CurrentOccupancy: &h.CurrentOccupancy,
	}
}

// AllocationCleaner revokes allocations that point at rooms removed from a tree.
type AllocationCleaner interface {
	RevokeByRooms(ctx context.Context, hostelID string, roomIDs []string) []error
}

// Tree loads, mutates and saves hostel documents.
type Tree struct {
	store      store.Store
	locker     lock.Locker
	logger     *zap.Logger
	cleaner    AllocationCleaner
	now        func() time.Time
	maxRetries int
}

// Option configures a Tree.
type Option func(*Tree)

// WithLocker serializes Mutate calls per hostel.
func WithLocker(l lock.Locker) Option {
	return func(t *Tree) { t.locker = l }
}

// WithClock overrides the time source used for reservations.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// WithMaxRetries bounds how often Mutate retries after a version conflict.
func WithMaxRetries(n int) Option {
	return func(t *Tree) { t.maxRetries = n }
}

// NewTree creates a tree model over s.
func NewTree(s store.Store, logger *zap.Logger, opts ...Option) *Tree {
	t := &Tree{
		store:      s,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetCleaner wires the cascade used after rooms are removed.
func (t *Tree) SetCleaner(c AllocationCleaner) {
	t.cleaner = c
}

// Load fetches a hostel and decodes its floor tree. An undecodable floors
// field yields an empty tree rather than an error.
func (t *Tree) Load(ctx context.Context, hostelID string) (*Hostel, error) {
	doc, err := t.store.Get(ctx, Collection, hostelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", hostelID, ErrHostelNotFound)
		}
		return nil, fmt.Errorf("load hostel %s: %w", hostelID, err)
	}
	return t.decode(doc)
}

func (t *Tree) decode(doc *store.Document) (*Hostel, error) {
	var d document
	if err := doc.Decode(&d); err != nil {
		return nil, err
	}
	h := &Hostel{
		ID:               doc.ID,
		Name:             d.Name,
		Description:      d.Description,
		Gender:           d.Gender,
		IsActive:         d.IsActive,
		PricePerTerm:     d.PricePerTerm,
		Features:         d.Features,
		Images:           d.Images,
		TotalCapacity:    d.TotalCapacity,
		CurrentOccupancy: d.CurrentOccupancy,
		Version:          doc.Version,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	floors, err := decodeFloors(doc.ID, d.Floors)
	if err != nil {
		t.logger.Warn("hostel floors undecodable, treating as empty",
			zap.String("hostel_id", doc.ID), zap.Error(err))
		floors = []Floor{}
	}
	h.Floors = floors
	return h, nil
}

// decodeFloors parses the stored text and fills fields older documents lack.
func decodeFloors(hostelID, text string) ([]Floor, error) {
	if text == "" {
		return []Floor{}, nil
	}
	var floors []Floor
	if err := json.Unmarshal([]byte(text), &floors); err != nil {
		return nil, err
	}
	if floors == nil {
		floors = []Floor{}
	}
	for fi := range floors {
		f := &floors[fi]
		if f.ID == "" {
			f.ID = FloorID(f.Number)
		}
		if f.Rooms == nil {
			f.Rooms = []Room{}
		}
		for ri := range f.Rooms {
			r := &f.Rooms[ri]
			if r.ID == "" {
				r.ID = RoomID(hostelID, f.ID, r.Number)
			}
			if r.Occupants == nil {
				r.Occupants = []string{}
			}
			if r.Capacity < 1 {
				return nil, fmt.Errorf("room %s has capacity %d", r.ID, r.Capacity)
			}
		}
	}
	return floors, nil
}

func encodeFloors(floors []Floor) (string, error) {
	raw, err := json.Marshal(floors)
	if err != nil {
		return "", fmt.Errorf("encode floors: %w", err)
	}
	return string(raw), nil
}

// Save writes only the fields set in p. The write is unguarded unless a
// store.IfVersion option is passed: two Load/Save sequences racing on the same
// hostel lose whichever write lands first.
func (t *Tree) Save(ctx context.Context, hostelID string, p Patch, opts ...store.WriteOption) error {
	_, err := t.save(ctx, hostelID, p, opts...)
	return err
}

func (t *Tree) save(ctx context.Context, hostelID string, p Patch, opts ...store.WriteOption) (*store.Document, error) {
	fields, err := p.fields()
	if err != nil {
		return nil, err
	}
	doc, err := t.store.Update(ctx, Collection, hostelID, fields, opts...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", hostelID, ErrHostelNotFound)
		}
		return nil, fmt.Errorf("save hostel %s: %w", hostelID, err)
	}
	return doc, nil
}

// Mutate runs fn against a freshly loaded tree, recomputes the counters and
// saves the floors. It holds the per-hostel lock for the whole sequence and
// saves conditionally on the loaded version, reloading and re-running fn on a
// conflict. fn must only touch h.
func (t *Tree) Mutate(ctx context.Context, hostelID string, fn func(h *Hostel) error) (*Hostel, error) {
	if t.locker != nil {
		release, err := t.locker.Lock(ctx, hostelID)
		if err != nil {
			return nil, fmt.Errorf("lock hostel %s: %w", hostelID, err)
		}
		defer release()
	}

	for attempt := 0; ; attempt++ {
		h, err := t.Load(ctx, hostelID)
		if err != nil {
			return nil, err
		}
		if err := fn(h); err != nil {
			return nil, err
		}
		h.Recompute()

		doc, err := t.save(ctx, hostelID, treePatch(h), store.IfVersion(h.Version))
		if err == nil {
			h.Version = doc.Version
			h.UpdatedAt = doc.UpdatedAt
			return h, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= t.maxRetries {
			t.logger.Error("hostel tree save failed",
				zap.String("hostel_id", hostelID), zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		t.logger.Debug("hostel tree changed underneath, retrying",
			zap.String("hostel_id", hostelID), zap.Int("attempt", attempt))
	}
}

// Get is the read path for a single hostel: failures are logged and reported as nil.
func (t *Tree) Get(ctx context.Context, hostelID string) *Hostel {
	h, err := t.Load(ctx, hostelID)
	if err != nil {
		if !errors.Is(err, ErrHostelNotFound) {
			t.logger.Error("hostel read failed", zap.String("hostel_id", hostelID), zap.Error(err))
		}
		return nil
	}
	return h
}

// List returns every hostel ordered by name; failures yield an empty list.
func (t *Tree) List(ctx context.Context) []*Hostel {
	docs, err := t.store.List(ctx, Collection, store.Query{OrderBy: "name"})
	if err != nil {
		t.logger.Error("hostel list failed", zap.Error(err))
		return []*Hostel{}
	}
	out := make([]*Hostel, 0, len(docs))
	for _, doc := range docs {
		h, err := t.decode(doc)
		if err != nil {
			t.logger.Warn("skipping undecodable hostel", zap.String("hostel_id", doc.ID), zap.Error(err))
			continue
		}
		out = append(out, h)
	}
	return out
}

// Input describes a new hostel.
type Input struct {
	ID           string   `json:"id"`
	Name         string   `json:"name" binding:"required"`
	Description  string   `json:"description"`
	Gender       Gender   `json:"gender" binding:"required"`
	IsActive     *bool    `json:"isActive"`
	PricePerTerm float64  `json:"pricePerTerm"`
	Features     []string `json:"features"`
	Images       []string `json:"images"`
}

// Create stores a hostel with an empty floor tree.
func (t *Tree) Create(ctx context.Context, in Input) (*Hostel, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !in.Gender.Valid() {
		return nil, fmt.Errorf("%w: unknown gender %q", ErrInvalidInput, in.Gender)
	}
	if in.PricePerTerm < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	fields, err := store.FieldsOf(document{
		Name:         in.Name,
		Description:  in.Description,
		Gender:       in.Gender,
		IsActive:     active,
		PricePerTerm: in.PricePerTerm,
		Features:     in.Features,
		Images:       in.Images,
		Floors:       "[]",
	})
	if err != nil {
		return nil, err
	}
	doc, err := t.store.Create(ctx, Collection, in.ID, fields)
	if err != nil {
		t.logger.Error("hostel create failed", zap.String("name", in.Name), zap.Error(err))
		return nil, fmt.Errorf("create hostel: %w", err)
	}
	t.logger.Info("hostel created", zap.String("hostel_id", doc.ID), zap.String("name", in.Name))
	return t.decode(doc)
}
