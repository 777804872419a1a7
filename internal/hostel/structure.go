package hostel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const maxRoomsPerRange = 500

// FloorInput describes a floor to add.
type FloorInput struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
}

// AddFloor appends an empty floor. Number and name must be unique in the hostel.
func (t *Tree) AddFloor(ctx context.Context, hostelID string, in FloorInput) (*Floor, error) {
	name := in.Name
	if name == "" {
		name = fmt.Sprintf("Floor %d", in.Number)
	}
	var added Floor
	_, err := t.Mutate(ctx, hostelID, func(h *Hostel) error {
		for _, f := range h.Floors {
			if f.Number == in.Number || f.Name == name {
				return fmt.Errorf("%w: %q", ErrDuplicateFloor, name)
			}
		}
		added = Floor{ID: FloorID(in.Number), Number: in.Number, Name: name, Rooms: []Room{}}
		h.Floors = append(h.Floors, added)
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("floor added", zap.String("hostel_id", hostelID), zap.String("floor_id", added.ID))
	return &added, nil
}

// RangeInput describes rooms Prefix+n+Suffix for every n in [Start, End].
type RangeInput struct {
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Prefix   string   `json:"prefix"`
	Suffix   string   `json:"suffix"`
	Capacity int      `json:"capacity"`
	Gender   Gender   `json:"gender"`
	Features []string `json:"features"`
}

func (in RangeInput) validate() error {
	if in.Start > in.End {
		return fmt.Errorf("%w: start %d is after end %d", ErrInvalidInput, in.Start, in.End)
	}
	if in.End-in.Start+1 > maxRoomsPerRange {
		return fmt.Errorf("%w: at most %d rooms per range", ErrInvalidInput, maxRoomsPerRange)
	}
	if in.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be at least 1", ErrInvalidInput)
	}
	if in.Gender != "" && !in.Gender.Valid() {
		return fmt.Errorf("%w: unknown gender %q", ErrInvalidInput, in.Gender)
	}
	return nil
}

// AddRoomsInRange appends one room per number in the range to a floor, skipping
// numbers whose room id already exists on it, so "A1" and "a1" are the same
// room. It returns only the rooms it added.
func (t *Tree) AddRoomsInRange(ctx context.Context, hostelID, floorID string, in RangeInput) ([]Room, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var added []Room
	_, err := t.Mutate(ctx, hostelID, func(h *Hostel) error {
		added = added[:0]
		floor, ok := h.FindFloor(floorID)
		if !ok {
			return fmt.Errorf("%s: %w", floorID, ErrFloorNotFound)
		}
		existing := make(map[string]bool, len(floor.Rooms))
		for _, r := range floor.Rooms {
			existing[r.ID] = true
		}
		gender := in.Gender
		if gender == "" {
			gender = h.Gender
		}
		for n := in.Start; n <= in.End; n++ {
			number := in.Prefix + strconv.Itoa(n) + in.Suffix
			id := RoomID(h.ID, floor.ID, number)
			if existing[id] {
				continue
			}
			existing[id] = true
			room := Room{
				ID:          id,
				Number:      number,
				Capacity:    in.Capacity,
				Gender:      gender,
				Occupants:   []string{},
				IsAvailable: true,
				Features:    append([]string(nil), in.Features...),
			}
			floor.Rooms = append(floor.Rooms, room)
			added = append(added, room)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("rooms added",
		zap.String("hostel_id", hostelID), zap.String("floor_id", floorID), zap.Int("count", len(added)))
	return added, nil
}

// RemovalResult reports a structural removal and its cascade. The removal
// itself succeeded whenever a result is returned; CleanupErrors lists
// allocations that could not be revoked.
type RemovalResult struct {
	RemovedRoomIDs []string `json:"removedRoomIds"`
	CleanupErrors  []error  `json:"-"`
}

// PartialFailure reports whether the cascade left allocations behind.
func (r RemovalResult) PartialFailure() bool {
	return len(r.CleanupErrors) > 0
}

// RemoveRoom deletes a room from the tree and revokes its allocations.
func (t *Tree) RemoveRoom(ctx context.Context, hostelID, roomID string) (RemovalResult, error) {
	_, err := t.Mutate(ctx, hostelID, func(h *Hostel) error {
		fi, ri := h.locateRoom(roomID)
		if fi < 0 {
			return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
		}
		rooms := h.Floors[fi].Rooms
		h.Floors[fi].Rooms = append(rooms[:ri:ri], rooms[ri+1:]...)
		return nil
	})
	if err != nil {
		return RemovalResult{}, err
	}
	t.logger.Info("room removed", zap.String("hostel_id", hostelID), zap.String("room_id", roomID))
	return t.cascade(ctx, hostelID, []string{roomID}), nil
}

// RemoveFloor deletes a floor with all its rooms and revokes their allocations.
func (t *Tree) RemoveFloor(ctx context.Context, hostelID, floorID string) (RemovalResult, error) {
	var removed []string
	_, err := t.Mutate(ctx, hostelID, func(h *Hostel) error {
		removed = removed[:0]
		for i, f := range h.Floors {
			if f.ID != floorID {
				continue
			}
			for _, r := range f.Rooms {
				removed = append(removed, r.ID)
			}
			h.Floors = append(h.Floors[:i:i], h.Floors[i+1:]...)
			return nil
		}
		return fmt.Errorf("%s: %w", floorID, ErrFloorNotFound)
	})
	if err != nil {
		return RemovalResult{}, err
	}
	t.logger.Info("floor removed",
		zap.String("hostel_id", hostelID), zap.String("floor_id", floorID), zap.Int("rooms", len(removed)))
	return t.cascade(ctx, hostelID, removed), nil
}

// cascade is best effort: the structural change already stands.
func (t *Tree) cascade(ctx context.Context, hostelID string, roomIDs []string) RemovalResult {
	res := RemovalResult{RemovedRoomIDs: roomIDs}
	if t.cleaner == nil || len(roomIDs) == 0 {
		return res
	}
	res.CleanupErrors = t.cleaner.RevokeByRooms(ctx, hostelID, roomIDs)
	for _, err := range res.CleanupErrors {
		t.logger.Warn("allocation cleanup after removal failed",
			zap.String("hostel_id", hostelID), zap.Error(err))
	}
	return res
}

// ReserveRoom puts an administrative hold on a room until the given time,
// which must lie in the future.
func (t *Tree) ReserveRoom(ctx context.Context, hostelID, roomID, reservedBy string, until time.Time) (*Room, error) {
	if !until.After(t.now()) {
		return nil, fmt.Errorf("%w: reservation must end in the future", ErrInvalidInput)
	}
	var out Room
	_, err := t.Mutate(ctx, hostelID, func(h *Hostel) error {
		room, ok := h.FindRoom(roomID)
		if !ok {
			return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
		}
		u := until
		room.IsReserved = true
		room.ReservedBy = reservedBy
		room.ReservedUntil = &u
		room.IsAvailable = false
		out = *room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpiredReservations lists rooms whose hold has run out but was never
// released. They stay unselectable until an admin unreserves them.
func (t *Tree) ExpiredReservations(ctx context.Context, hostelID string) ([]Room, error) {
	h, err := t.Load(ctx, hostelID)
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := []Room{}
	for _, f := range h.Floors {
		for _, r := range f.Rooms {
			if r.ReservationExpired(now) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// UnreserveRoom releases a hold; availability then follows occupancy.
func (t *Tree) UnreserveRoom(ctx context.Context, hostelID, roomID string) (*Room, error) {
	var out Room
	_, err := t.Mutate(ctx, hostelID, func(h *Hostel) error {
		room, ok := h.FindRoom(roomID)
		if !ok {
			return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
		}
		room.IsReserved = false
		room.ReservedBy = ""
		room.ReservedUntil = nil
		room.IsAvailable = !room.Full()
		out = *room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddOccupant places regNumber in a selectable room and closes the room once
// it is full. Adding a student already listed is a no-op.
func (t *Tree) AddOccupant(ctx context.Context, hostelID, roomID, regNumber string) (*Room, error) {
	var out Room
	_, err := t.Mutate(ctx, hostelID, func(h *Hostel) error {
		room, ok := h.FindRoom(roomID)
		if !ok {
			return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
		}
		if room.HasOccupant(regNumber) {
			out = *room
			return nil
		}
		if !room.Selectable() {
			return fmt.Errorf("%s: %w", roomID, ErrRoomUnavailable)
		}
		room.Occupants = append(room.Occupants, regNumber)
		if room.Full() {
			room.IsAvailable = false
		}
		out = *room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveOccupant drops regNumber from a room and reopens it. Availability is
// set unconditionally: any removal makes the room selectable again.
func (t *Tree) RemoveOccupant(ctx context.Context, hostelID, roomID, regNumber string) (*Room, error) {
	var out Room
	_, err := t.Mutate(ctx, hostelID, func(h *Hostel) error {
		room, ok := h.FindRoom(roomID)
		if !ok {
			return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
		}
		kept := room.Occupants[:0]
		for _, o := range room.Occupants {
			if o != regNumber {
				kept = append(kept, o)
			}
		}
		room.Occupants = kept
		room.IsAvailable = true
		out = *room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IsNotFound reports whether err means a hostel, floor or room id did not resolve.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrHostelNotFound) || errors.Is(err, ErrFloorNotFound) || errors.Is(err, ErrRoomNotFound)
}
