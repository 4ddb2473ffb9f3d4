package circulation

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two allocation flavors a copy can be held under.
type Kind string

const (
	// KindReservation is a time-boxed hold for pickup. It expires
	// automatically ReservationTTL after creation unless fulfilled or
	// cancelled first.
	KindReservation Kind = "RESERVATION"

	// KindLoan is a copy physically checked out. It carries a due date and
	// is closed only by an explicit return.
	KindLoan Kind = "LOAN"
)

// CloseReason records why an allocation was closed.
type CloseReason string

const (
	ReasonFulfilled      CloseReason = "FULFILLED"
	ReasonCancelled      CloseReason = "CANCELLED"
	ReasonExpired        CloseReason = "EXPIRED"
	ReasonReturned       CloseReason = "RETURNED"
	ReasonEditionDeleted CloseReason = "EDITION_DELETED"
)

// ReservationTTL is the fixed window a reservation holds a copy before the
// reclaim sweep closes it.
const ReservationTTL = 48 * time.Hour

// Edition is the unit against which copies are pooled. TotalCopies and
// AvailableCopies form the pool counter pair; they are mutated only through
// the store's claim/release/reprovision primitives, never set by callers.
type Edition struct {
	ID              uuid.UUID
	ISBN            string
	Year            int
	Publisher       string
	TotalCopies     int
	AvailableCopies int
}

// Allocation represents one active or historical hold on a copy of an
// edition. A closed allocation is immutable and retained for history.
type Allocation struct {
	ID        uuid.UUID
	Kind      Kind
	EditionID uuid.UUID
	SubjectID string
	CreatedAt time.Time

	// ExpiresAt is set for reservations only; zero otherwise.
	ExpiresAt time.Time

	// DueAt is set for loans only; zero otherwise.
	DueAt time.Time

	ClosedAt    *time.Time
	CloseReason CloseReason
}

// Open reports whether the allocation still holds a copy.
func (a Allocation) Open() bool {
	return a.ClosedAt == nil
}
