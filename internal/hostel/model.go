package hostel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrHostelNotFound  = errors.New("hostel not found")
	ErrFloorNotFound   = errors.New("floor not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrDuplicateFloor  = errors.New("a floor with this number or name already exists")
	ErrRoomUnavailable = errors.New("room is not available")
	ErrInvalidInput    = errors.New("invalid hostel input")
)

// Gender is the occupancy policy of a hostel or room.
type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderMixed  Gender = "Mixed"
)

// Valid reports whether g is one of the known policies.
func (g Gender) Valid() bool {
	switch g {
	case GenderMale, GenderFemale, GenderMixed:
		return true
	}
	return false
}

// Room is a leaf of the hostel tree. Occupants are registration numbers.
type Room struct {
	ID            string     `json:"id"`
	Number        string     `json:"number"`
	Capacity      int        `json:"capacity"`
	Gender        Gender     `json:"gender"`
	Occupants     []string   `json:"occupants"`
	IsAvailable   bool       `json:"isAvailable"`
	IsReserved    bool       `json:"isReserved"`
	ReservedBy    string     `json:"reservedBy,omitempty"`
	ReservedUntil *time.Time `json:"reservedUntil,omitempty"`
	Features      []string   `json:"features,omitempty"`
}

// Full reports whether the room has no free bed.
func (r *Room) Full() bool {
	return len(r.Occupants) >= r.Capacity
}

// Selectable reports whether a student may be placed in the room. A reservation
// blocks selection until it is released, even after reservedUntil has passed.
func (r *Room) Selectable() bool {
	return r.IsAvailable && !r.IsReserved && !r.Full()
}

// ReservationExpired reports whether the room holds a reservation past its end.
func (r *Room) ReservationExpired(now time.Time) bool {
	return r.IsReserved && r.ReservedUntil != nil && now.After(*r.ReservedUntil)
}

// HasOccupant reports whether regNumber is listed in the room.
func (r *Room) HasOccupant(regNumber string) bool {
	for _, o := range r.Occupants {
		if o == regNumber {
			return true
		}
	}
	return false
}

// Floor groups rooms of one level of a hostel.
type Floor struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	Name   string `json:"name"`
	Rooms  []Room `json:"rooms"`
}

// Hostel is the whole tree. Floors are persisted as a single text field.
type Hostel struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Gender           Gender    `json:"gender"`
	IsActive         bool      `json:"isActive"`
	PricePerTerm     float64   `json:"pricePerTerm"`
	Features         []string  `json:"features,omitempty"`
	Images           []string  `json:"images,omitempty"`
	TotalCapacity    int       `json:"totalCapacity"`
	CurrentOccupancy int       `json:"currentOccupancy"`
	Floors           []Floor   `json:"floors"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Recompute derives the capacity and occupancy counters from the tree.
func (h *Hostel) Recompute() {
	total, occupied := 0, 0
	for _, f := range h.Floors {
		for _, r := range f.Rooms {
			total += r.Capacity
			occupied += len(r.Occupants)
		}
	}
	h.TotalCapacity = total
	h.CurrentOccupancy = occupied
}

// FindRoom scans floors then rooms. The pointer aliases the tree.
func (h *Hostel) FindRoom(roomID string) (*Room, bool) {
	fi, ri := h.locateRoom(roomID)
	if fi < 0 {
		return nil, false
	}
	return &h.Floors[fi].Rooms[ri], true
}

func (h *Hostel) locateRoom(roomID string) (int, int) {
	for fi := range h.Floors {
		for ri := range h.Floors[fi].Rooms {
			if h.Floors[fi].Rooms[ri].ID == roomID {
				return fi, ri
			}
		}
	}
	return -1, -1
}

// FindFloor returns the floor with the given id.
func (h *Hostel) FindFloor(floorID string) (*Floor, bool) {
	for i := range h.Floors {
		if h.Floors[i].ID == floorID {
			return &h.Floors[i], true
		}
	}
	return nil, false
}

// SelectableRooms lists rooms a student could pick right now.
func (h *Hostel) SelectableRooms() []Room {
	out := []Room{}
	for _, f := range h.Floors {
		for _, r := range f.Rooms {
			if r.Selectable() {
				out = append(out, r)
			}
		}
	}
	return out
}

// RoomID derives the stable id of a room from its position in the tree.
func RoomID(hostelID, floorID, number string) string {
	id := fmt.Sprintf("%s-%s-%s", hostelID, floorID, number)
	return strings.ToLower(strings.Join(strings.Fields(id), "-"))
}

// FloorID derives the stable id of a floor from its number.
func FloorID(number int) string {
	return fmt.Sprintf("floor-%d", number)
}
