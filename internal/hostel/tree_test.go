package hostel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hostel/internal/lock"
	"hostel/internal/store"
)

func newTestTree(t *testing.T, opts ...Option) (*Tree, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewTree(mem, zap.NewNop(), opts...), mem
}

// seedEagle builds hostel "eagle" with floor "Ground" holding room G1 (capacity 2).
func seedEagle(t *testing.T, tree *Tree) (*Hostel, Room) {
	t.Helper()
	ctx := context.Background()
	h, err := tree.Create(ctx, Input{ID: "eagle", Name: "Eagle", Gender: GenderMale, PricePerTerm: 4500})
	require.NoError(t, err)
	floor, err := tree.AddFloor(ctx, h.ID, FloorInput{Number: 0, Name: "Ground"})
	require.NoError(t, err)
	rooms, err := tree.AddRoomsInRange(ctx, h.ID, floor.ID, RangeInput{Start: 1, End: 1, Prefix: "G", Capacity: 2})
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	h, err = tree.Load(ctx, h.ID)
	require.NoError(t, err)
	return h, rooms[0]
}

func assertInvariants(t *testing.T, h *Hostel) {
	t.Helper()
	total, occupied := 0, 0
	for _, f := range h.Floors {
		for _, r := range f.Rooms {
			total += r.Capacity
			occupied += len(r.Occupants)
			assert.LessOrEqual(t, len(r.Occupants), r.Capacity, "room %s over capacity", r.ID)
		}
	}
	assert.Equal(t, total, h.TotalCapacity, "totalCapacity")
	assert.Equal(t, occupied, h.CurrentOccupancy, "currentOccupancy")
}

func TestCreateAndSeed(t *testing.T) {
	tree, _ := newTestTree(t)
	h, g1 := seedEagle(t, tree)

	assert.Equal(t, "Eagle", h.Name)
	assert.Equal(t, "eagle-floor-0-g1", g1.ID)
	assert.Equal(t, GenderMale, g1.Gender)
	assert.True(t, g1.IsAvailable)
	assert.Equal(t, 2, h.TotalCapacity)
	assert.Equal(t, 0, h.CurrentOccupancy)
	assertInvariants(t, h)
}

func TestCreateValidates(t *testing.T) {
	tree, _ := newTestTree(t)
	_, err := tree.Create(context.Background(), Input{Name: "X", Gender: "Other"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = tree.Create(context.Background(), Input{Gender: GenderMixed})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoadMissingHostel(t *testing.T) {
	tree, _ := newTestTree(t)
	_, err := tree.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrHostelNotFound)
	assert.True(t, IsNotFound(err))
	assert.Nil(t, tree.Get(context.Background(), "nope"))
}

func TestLoadUndecodableFloorsIsEmptyTree(t *testing.T) {
	tree, mem := newTestTree(t)
	_, err := mem.Create(context.Background(), Collection, "broken", store.Fields{
		"name":   "Broken",
		"gender": "Mixed",
		"floors": "{not json",
	})
	require.NoError(t, err)

	h, err := tree.Load(context.Background(), "broken")
	require.NoError(t, err)
	assert.Empty(t, h.Floors)
	assert.NotNil(t, h.Floors)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	h, g1 := seedEagle(t, tree)
	_, err := tree.AddOccupant(ctx, h.ID, g1.ID, "H123456X")
	require.NoError(t, err)

	before, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	require.NoError(t, tree.Save(ctx, h.ID, treePatch(before)))
	after, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)

	assert.Equal(t, before.Floors, after.Floors)
	assert.Equal(t, before.TotalCapacity, after.TotalCapacity)
	assert.Equal(t, before.CurrentOccupancy, after.CurrentOccupancy)
	assert.Equal(t, before.Version+1, after.Version)
}

func TestSaveWritesOnlySuppliedFields(t *testing.T) {
	ctx := context.Background()
	tree, mem := newTestTree(t)
	h, _ := seedEagle(t, tree)

	name := "Eagle Hall"
	require.NoError(t, tree.Save(ctx, h.ID, Patch{Name: &name}))

	doc, err := mem.Get(ctx, Collection, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "Eagle Hall", doc.Fields["name"])
	assert.Equal(t, float64(4500), doc.Fields["pricePerTerm"])
	assert.Contains(t, doc.Fields["floors"], "G1")
}

func TestAddFloorRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	h, _ := seedEagle(t, tree)

	_, err := tree.AddFloor(ctx, h.ID, FloorInput{Number: 0, Name: "Basement"})
	assert.ErrorIs(t, err, ErrDuplicateFloor)
	_, err = tree.AddFloor(ctx, h.ID, FloorInput{Number: 7, Name: "Ground"})
	assert.ErrorIs(t, err, ErrDuplicateFloor)

	f, err := tree.AddFloor(ctx, h.ID, FloorInput{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, "Floor 1", f.Name)
}

func TestAddRoomsInRangeSkipsExistingNumbers(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	h, err := tree.Create(ctx, Input{ID: "hawk", Name: "Hawk", Gender: GenderFemale})
	require.NoError(t, err)
	floor, err := tree.AddFloor(ctx, h.ID, FloorInput{Number: 1, Name: "A"})
	require.NoError(t, err)
	_, err = tree.AddRoomsInRange(ctx, h.ID, floor.ID, RangeInput{Start: 3, End: 3, Prefix: "A", Capacity: 4})
	require.NoError(t, err)

	before, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)

	added, err := tree.AddRoomsInRange(ctx, h.ID, floor.ID, RangeInput{Start: 1, End: 5, Prefix: "A", Capacity: 4, Features: []string{"balcony"}})
	require.NoError(t, err)

	var numbers []string
	for _, r := range added {
		numbers = append(numbers, r.Number)
		assert.Equal(t, GenderFemale, r.Gender)
		assert.Equal(t, []string{"balcony"}, r.Features)
	}
	assert.Equal(t, []string{"A1", "A2", "A4", "A5"}, numbers)

	after, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 16, after.TotalCapacity-before.TotalCapacity)
	assertInvariants(t, after)
}

func TestAddRoomsInRangeSkipsNumbersWithSameID(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	h, err := tree.Create(ctx, Input{ID: "eagle", Name: "Eagle", Gender: GenderMale})
	require.NoError(t, err)
	floor, err := tree.AddFloor(ctx, h.ID, FloorInput{Number: 1})
	require.NoError(t, err)

	first, err := tree.AddRoomsInRange(ctx, h.ID, floor.ID, RangeInput{Start: 1, End: 1, Prefix: "A", Capacity: 2})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "eagle-floor-1-a1", first[0].ID)

	for _, prefix := range []string{"a", "A ", "A-"} {
		added, err := tree.AddRoomsInRange(ctx, h.ID, floor.ID, RangeInput{Start: 1, End: 2, Prefix: prefix, Capacity: 2})
		require.NoError(t, err)
		for _, r := range added {
			assert.NotEqual(t, first[0].ID, r.ID, "prefix %q", prefix)
		}
	}

	loaded, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, r := range loaded.Floors[0].Rooms {
		assert.False(t, seen[r.ID], "duplicate room id %s", r.ID)
		seen[r.ID] = true
	}
	assert.Len(t, seen, 4, "a1, a2, a-1 and a-2")

	room, err := tree.AddOccupant(ctx, h.ID, first[0].ID, "S1")
	require.NoError(t, err)
	assert.Equal(t, "A1", room.Number)
}

func TestAddRoomsInRangeValidation(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	h, _ := seedEagle(t, tree)

	_, err := tree.AddRoomsInRange(ctx, h.ID, "floor-0", RangeInput{Start: 5, End: 1, Capacity: 2})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = tree.AddRoomsInRange(ctx, h.ID, "floor-0", RangeInput{Start: 1, End: 2, Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = tree.AddRoomsInRange(ctx, h.ID, "floor-9", RangeInput{Start: 1, End: 2, Capacity: 1})
	assert.ErrorIs(t, err, ErrFloorNotFound)
}

func TestOccupantsDriveAvailability(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	h, g1 := seedEagle(t, tree)

	room, err := tree.AddOccupant(ctx, h.ID, g1.ID, "H123456X")
	require.NoError(t, err)
	assert.True(t, room.IsAvailable)

	room, err = tree.AddOccupant(ctx, h.ID, g1.ID, "H123457X")
	require.NoError(t, err)
	assert.False(t, room.IsAvailable)

	_, err = tree.AddOccupant(ctx, h.ID, g1.ID, "H123458X")
	assert.ErrorIs(t, err, ErrRoomUnavailable)

	room, err = tree.RemoveOccupant(ctx, h.ID, g1.ID, "H123456X")
	require.NoError(t, err)
	assert.Equal(t, []string{"H123457X"}, room.Occupants)
	assert.True(t, room.IsAvailable)

	room, err = tree.RemoveOccupant(ctx, h.ID, g1.ID, "H123457X")
	require.NoError(t, err)
	assert.Empty(t, room.Occupants)
	assert.True(t, room.IsAvailable)

	loaded, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	assertInvariants(t, loaded)
}

func TestReservationsBlockSelection(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
	tree, _ := newTestTree(t, WithClock(func() time.Time { return now }))
	h, g1 := seedEagle(t, tree)

	room, err := tree.ReserveRoom(ctx, h.ID, g1.ID, "admin@x.com", now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.True(t, room.IsReserved)
	assert.False(t, room.Selectable())
	assert.False(t, room.ReservationExpired(now))
	assert.True(t, room.ReservationExpired(now.Add(49*time.Hour)))

	_, err = tree.AddOccupant(ctx, h.ID, g1.ID, "H123456X")
	assert.ErrorIs(t, err, ErrRoomUnavailable)

	loaded, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.SelectableRooms())

	room, err = tree.UnreserveRoom(ctx, h.ID, g1.ID)
	require.NoError(t, err)
	assert.True(t, room.Selectable())
	assert.Nil(t, room.ReservedUntil)
}

func TestExpiredReservationsFollowTreeClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	tree, _ := newTestTree(t, WithClock(clock))
	h, g1 := seedEagle(t, tree)

	_, err := tree.ReserveRoom(ctx, h.ID, g1.ID, "admin@x.com", now.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = tree.ReserveRoom(ctx, h.ID, g1.ID, "admin@x.com", now.Add(time.Hour))
	require.NoError(t, err)
	expired, err := tree.ExpiredReservations(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, expired)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	expired, err = tree.ExpiredReservations(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, g1.ID, expired[0].ID)

	_, err = tree.ExpiredReservations(ctx, "nope")
	assert.ErrorIs(t, err, ErrHostelNotFound)
}

func TestSelectableExcludesFullReservedAndExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	cases := map[string]struct {
		room Room
		want bool
	}{
		"open":                {Room{Capacity: 2, Occupants: []string{"a"}, IsAvailable: true}, true},
		"full":                {Room{Capacity: 1, Occupants: []string{"a"}, IsAvailable: true}, false},
		"reserved":            {Room{Capacity: 2, IsAvailable: true, IsReserved: true}, false},
		"expired reservation": {Room{Capacity: 2, IsAvailable: true, IsReserved: true, ReservedUntil: &past}, false},
		"closed":              {Room{Capacity: 2}, false},
	}
	for name, tc := range cases {
		assert.Equal(t, tc.want, tc.room.Selectable(), name)
	}
}

type recordingCleaner struct {
	mu    sync.Mutex
	calls [][]string
	fail  bool
}

func (c *recordingCleaner) RevokeByRooms(_ context.Context, _ string, roomIDs []string) []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, roomIDs)
	if c.fail {
		return []error{errors.New("allocation store unavailable")}
	}
	return nil
}

func TestRemoveRoomCascades(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	cleaner := &recordingCleaner{}
	tree.SetCleaner(cleaner)
	h, g1 := seedEagle(t, tree)

	res, err := tree.RemoveRoom(ctx, h.ID, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{g1.ID}, res.RemovedRoomIDs)
	assert.False(t, res.PartialFailure())
	assert.Equal(t, [][]string{{g1.ID}}, cleaner.calls)

	loaded, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.TotalCapacity)
	assertInvariants(t, loaded)

	_, err = tree.RemoveRoom(ctx, h.ID, g1.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRemoveFloorReportsCleanupFailure(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	cleaner := &recordingCleaner{fail: true}
	tree.SetCleaner(cleaner)
	h, _ := seedEagle(t, tree)
	_, err := tree.AddRoomsInRange(ctx, h.ID, "floor-0", RangeInput{Start: 2, End: 3, Prefix: "G", Capacity: 3})
	require.NoError(t, err)

	res, err := tree.RemoveFloor(ctx, h.ID, "floor-0")
	require.NoError(t, err, "the structural change stands even when cleanup fails")
	assert.Len(t, res.RemovedRoomIDs, 3)
	assert.True(t, res.PartialFailure())

	loaded, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Floors)
	assert.Equal(t, 0, loaded.TotalCapacity)

	_, err = tree.RemoveFloor(ctx, h.ID, "floor-0")
	assert.ErrorIs(t, err, ErrFloorNotFound)
}

// Two editors that each Load and then Save without a version guard: the second
// Save overwrites the first editor's occupant.
func TestUnguardedLoadSaveLosesUpdate(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	h, g1 := seedEagle(t, tree)

	first, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	second, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)

	for _, edit := range []struct {
		h   *Hostel
		reg string
	}{{first, "H123456X"}, {second, "H123457X"}} {
		room, ok := edit.h.FindRoom(g1.ID)
		require.True(t, ok)
		room.Occupants = append(room.Occupants, edit.reg)
		edit.h.Recompute()
		require.NoError(t, tree.Save(ctx, h.ID, treePatch(edit.h)))
	}

	final, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	room, _ := final.FindRoom(g1.ID)
	assert.Equal(t, []string{"H123457X"}, room.Occupants, "first writer's occupant was lost")
}

func TestVersionGuardRejectsStaleSave(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	h, _ := seedEagle(t, tree)

	stale, err := tree.Load(ctx, h.ID)
	require.NoError(t, err)
	name := "Renamed"
	require.NoError(t, tree.Save(ctx, h.ID, Patch{Name: &name}))

	err = tree.Save(ctx, h.ID, treePatch(stale), store.IfVersion(stale.Version))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestConcurrentMutationsKeepEveryOccupant(t *testing.T) {
	for name, opts := range map[string][]Option{
		"lock":          {WithLocker(lock.NewLocal())},
		"version guard": {WithMaxRetries(50)},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tree, _ := newTestTree(t, opts...)
			h, err := tree.Create(ctx, Input{ID: "owl", Name: "Owl", Gender: GenderMixed})
			require.NoError(t, err)
			_, err = tree.AddFloor(ctx, h.ID, FloorInput{Number: 1, Name: "First"})
			require.NoError(t, err)
			rooms, err := tree.AddRoomsInRange(ctx, h.ID, "floor-1", RangeInput{Start: 1, End: 1, Capacity: 8})
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := tree.AddOccupant(ctx, h.ID, rooms[0].ID, fmt.Sprintf("H%06dX", i))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			final, err := tree.Load(ctx, h.ID)
			require.NoError(t, err)
			room, _ := final.FindRoom(rooms[0].ID)
			assert.Len(t, room.Occupants, 8)
			assert.False(t, room.IsAvailable)
			assertInvariants(t, final)
		})
	}
}

func TestInvariantsHoldUnderRandomEdits(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t, WithLocker(lock.NewLocal()))
	h, err := tree.Create(ctx, Input{ID: "kite", Name: "Kite", Gender: GenderMixed})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	floors := 0
	reg := 0
	for step := 0; step < 200; step++ {
		cur, err := tree.Load(ctx, h.ID)
		require.NoError(t, err)

		var rooms []Room
		for _, f := range cur.Floors {
			rooms = append(rooms, f.Rooms...)
		}

		switch op := rng.Intn(6); {
		case op == 0 || len(cur.Floors) == 0:
			floors++
			_, err = tree.AddFloor(ctx, h.ID, FloorInput{Number: floors})
			require.NoError(t, err)
		case op == 1:
			f := cur.Floors[rng.Intn(len(cur.Floors))]
			start := rng.Intn(10)
			_, err = tree.AddRoomsInRange(ctx, h.ID, f.ID, RangeInput{Start: start, End: start + rng.Intn(4), Prefix: "R", Capacity: 1 + rng.Intn(4)})
			require.NoError(t, err)
		case op == 2 && len(rooms) > 0:
			_, err = tree.RemoveRoom(ctx, h.ID, rooms[rng.Intn(len(rooms))].ID)
			require.NoError(t, err)
		case op == 3 && len(cur.Floors) > 1:
			_, err = tree.RemoveFloor(ctx, h.ID, cur.Floors[rng.Intn(len(cur.Floors))].ID)
			require.NoError(t, err)
		case op == 4 && len(rooms) > 0:
			reg++
			_, err = tree.AddOccupant(ctx, h.ID, rooms[rng.Intn(len(rooms))].ID, fmt.Sprintf("H%06dX", reg))
			if err != nil {
				require.ErrorIs(t, err, ErrRoomUnavailable)
			}
		case op == 5 && len(rooms) > 0:
			r := rooms[rng.Intn(len(rooms))]
			if len(r.Occupants) > 0 {
				_, err = tree.RemoveOccupant(ctx, h.ID, r.ID, r.Occupants[0])
				require.NoError(t, err)
			}
		}

		after, err := tree.Load(ctx, h.ID)
		require.NoError(t, err)
		assertInvariants(t, after)
	}
}

func TestListSkipsNothingOnHealthyStore(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t)
	seedEagle(t, tree)
	_, err := tree.Create(ctx, Input{ID: "albatross", Name: "Albatross", Gender: GenderFemale})
	require.NoError(t, err)

	list := tree.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "Albatross", list[0].Name)
	assert.Equal(t, "Eagle", list[1].Name)
}
