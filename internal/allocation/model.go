package allocation

import (
	"errors"
	"fmt"
	"time"

	"hostel/internal/store"
)

// Collection holds one document per room allocation.
const Collection = "room_allocations"

var (
	ErrNotFound         = fmt.Errorf("allocation %w", store.ErrNotFound)
	ErrAlreadyAllocated = errors.New("student already holds a room allocation")
	ErrInvalidRequest   = errors.New("invalid allocation request")
	ErrInvalidRecord    = errors.New("invalid allocation record")
	// ErrRevoking is returned by MarkPaid once a sweep has claimed the
	// allocation for revocation.
	ErrRevoking = errors.New("allocation is being revoked")
)

// Status is the payment state of an allocation.
type Status string

const (
	StatusPending Status = "Pending"
	StatusPaid    Status = "Paid"
	StatusOverdue Status = "Overdue"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusOverdue:
		return true
	}
	return false
}

// Allocation places one student in one room. It is the source of truth for
// occupancy; the room's occupant entry mirrors it.
type Allocation struct {
	ID               string    `json:"id"`
	StudentRegNumber string    `json:"studentRegNumber"`
	RoomID           string    `json:"roomId"`
	HostelID         string    `json:"hostelId"`
	AllocatedAt      time.Time `json:"allocatedAt"`
	PaymentStatus    Status    `json:"paymentStatus"`
	PaymentDeadline  time.Time `json:"paymentDeadline"`
	Semester         string    `json:"semester"`
	AcademicYear     string    `json:"academicYear"`
	PaymentID        string    `json:"paymentId,omitempty"`
	UserID           string    `json:"userId,omitempty"`
	// RevokingAt is set when a sweep claims the allocation. The record is
	// deleted once the room has been updated.
	RevokingAt *time.Time `json:"revokingAt,omitempty"`

	Version int64 `json:"-"`
}

// PastDeadline reports whether the payment deadline lies before now.
func (a Allocation) PastDeadline(now time.Time) bool {
	return a.PaymentDeadline.Before(now)
}

func (a Allocation) fields() (store.Fields, error) {
	f, err := store.FieldsOf(a)
	if err != nil {
		return nil, err
	}
	delete(f, "id")
	return f, nil
}

func decode(doc *store.Document) (Allocation, error) {
	var a Allocation
	if err := doc.Decode(&a); err != nil {
		return Allocation{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	a.ID = doc.ID
	a.Version = doc.Version
	switch {
	case a.StudentRegNumber == "" || a.RoomID == "" || a.HostelID == "":
		return Allocation{}, fmt.Errorf("%w: %s lacks student, room or hostel", ErrInvalidRecord, doc.ID)
	case !a.PaymentStatus.Valid():
		return Allocation{}, fmt.Errorf("%w: %s has status %q", ErrInvalidRecord, doc.ID, a.PaymentStatus)
	}
	return a, nil
}

// Semester labels the teaching period containing t: August through January is
// the first semester, February through July the second.
func Semester(t time.Time) string {
	if m := t.Month(); m >= time.August || m == time.January {
		return "Semester 1"
	}
	return "Semester 2"
}

// AcademicYear labels the academic year containing t, which starts in August.
func AcademicYear(t time.Time) string {
	y := t.Year()
	if t.Month() >= time.August {
		return fmt.Sprintf("%d/%d", y, y+1)
	}
	return fmt.Sprintf("%d/%d", y-1, y)
}

// Request asks for a student to be placed in a room.
type Request struct {
	StudentRegNumber string `json:"studentRegNumber"`
	RoomID           string `json:"roomId" binding:"required"`
	HostelID         string `json:"hostelId" binding:"required"`
	UserID           string `json:"userId"`
}

func (r Request) validate() error {
	if r.StudentRegNumber == "" || r.RoomID == "" || r.HostelID == "" {
		return fmt.Errorf("%w: student, room and hostel are required", ErrInvalidRequest)
	}
	return nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status           Status
	HostelID         string
	RoomID           string
	StudentRegNumber string
}

func (f Filter) query() store.Query {
	q := store.Query{OrderBy: store.OrderCreatedAt, Desc: true}
	if f.Status != "" {
		q.Filters = append(q.Filters, store.Eq("paymentStatus", f.Status))
	}
	if f.HostelID != "" {
		q.Filters = append(q.Filters, store.Eq("hostelId", f.HostelID))
	}
	if f.RoomID != "" {
		q.Filters = append(q.Filters, store.Eq("roomId", f.RoomID))
	}
	if f.StudentRegNumber != "" {
		q.Filters = append(q.Filters, store.Eq("studentRegNumber", f.StudentRegNumber))
	}
	return q
}
