package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	doc, err := m.Create(ctx, "payments", "", Fields{"amount": 1500, "status": "Pending"})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)
	assert.Equal(t, int64(1), doc.Version)

	got, err := m.Get(ctx, "payments", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1500), got.Fields["amount"])

	_, err = m.Create(ctx, "payments", doc.ID, Fields{})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, m.Delete(ctx, "payments", doc.ID))
	_, err = m.Get(ctx, "payments", doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "payments", doc.ID), ErrNotFound)
}

func TestMemoryUpdateMergesAndGuardsVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Create(ctx, "hostels", "h1", Fields{"name": "Eagle", "isActive": true})
	require.NoError(t, err)

	doc, err := m.Update(ctx, "hostels", "h1", Fields{"name": "Eagle Hall"}, IfVersion(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, "Eagle Hall", doc.Fields["name"])
	assert.Equal(t, true, doc.Fields["isActive"])

	_, err = m.Update(ctx, "hostels", "h1", Fields{"name": "stale"}, IfVersion(1))
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = m.Update(ctx, "hostels", "missing", Fields{"name": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Create(ctx, "hostels", "h1", Fields{"features": []string{"wifi"}})
	require.NoError(t, err)

	doc, err := m.Get(ctx, "hostels", "h1")
	require.NoError(t, err)
	doc.Fields["features"] = []any{"tampered"}

	again, err := m.Get(ctx, "hostels", "h1")
	require.NoError(t, err)
	assert.Equal(t, []any{"wifi"}, again.Fields["features"])
}

func TestMemoryListFiltersOrdersAndPages(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	m.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	for i, status := range []string{"Pending", "Paid", "Pending", "Overdue", "Pending"} {
		_, err := m.Create(ctx, "room_allocations", "", Fields{"paymentStatus": status, "rank": i})
		require.NoError(t, err)
	}

	pending, err := m.List(ctx, "room_allocations", Query{Filters: []Filter{Eq("paymentStatus", "Pending")}})
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, float64(0), pending[0].Fields["rank"])
	assert.Equal(t, float64(4), pending[2].Fields["rank"])

	desc, err := m.List(ctx, "room_allocations", Query{OrderBy: "rank", Desc: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, float64(3), desc[0].Fields["rank"])
	assert.Equal(t, float64(2), desc[1].Fields["rank"])

	none, err := m.List(ctx, "room_allocations", Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDocumentDecodeAndFieldsOf(t *testing.T) {
	type record struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Tags  []string `json:"tags,omitempty"`
	}
	f, err := FieldsOf(record{Name: "G1", Count: 2})
	require.NoError(t, err)
	_, hasTags := f["tags"]
	assert.False(t, hasTags)

	var out record
	require.NoError(t, (&Document{ID: "x", Fields: f}).Decode(&out))
	assert.Equal(t, record{Name: "G1", Count: 2}, out)
}

func TestMemoryDeleteGuardsVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Create(ctx, "room_allocations", "a1", Fields{"paymentStatus": "Overdue"})
	require.NoError(t, err)
	_, err = m.Update(ctx, "room_allocations", "a1", Fields{"paymentStatus": "Paid"})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Delete(ctx, "room_allocations", "a1", IfVersion(1)), ErrVersionConflict)
	_, err = m.Get(ctx, "room_allocations", "a1")
	require.NoError(t, err, "a stale delete leaves the document")

	require.NoError(t, m.Delete(ctx, "room_allocations", "a1", IfVersion(2)))
	assert.ErrorIs(t, m.Delete(ctx, "room_allocations", "a1", IfVersion(2)), ErrNotFound)
}

func TestMemoryDescendingKeepsNewestFirstOnTies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	at := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return at })

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Create(ctx, "payments", id, Fields{})
		require.NoError(t, err)
	}

	docs, err := m.List(ctx, "payments", Query{OrderBy: OrderCreatedAt, Desc: true})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})
}
