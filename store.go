package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable record store the engine runs against. Implementations
// must make ClaimCopy, ReleaseCopy, Reprovision and CloseAllocation atomic
// with respect to concurrent calls on the same edition: two simultaneous
// claims against a pool with one available copy must yield exactly one
// success and one ErrNoCopiesAvailable.
//
// The pgstore package provides the PostgreSQL implementation; memstore holds
// an in-memory one with identical semantics.
type Store interface {
	// CreateEdition persists a new edition with its pool counters as given.
	CreateEdition(ctx context.Context, ed Edition) error

	// GetEdition returns a snapshot of the edition and its pool counters.
	// The snapshot may be stale by the time it is acted upon; callers must
	// re-validate through ClaimCopy rather than trusting a prior read.
	GetEdition(ctx context.Context, editionID uuid.UUID) (Edition, error)

	// ListEditions returns snapshots of all editions.
	ListEditions(ctx context.Context) ([]Edition, error)

	// DeleteEdition removes an edition. It fails with ErrEditionInUse while
	// open allocations still hold copies. Closed allocation records that
	// reference the edition are retained.
	DeleteEdition(ctx context.Context, editionID uuid.UUID) error

	// ClaimCopy atomically decrements the edition's available copies if any
	// remain, failing with ErrNoCopiesAvailable otherwise.
	ClaimCopy(ctx context.Context, editionID uuid.UUID) error

	// ReleaseCopy atomically increments the edition's available copies,
	// failing with ErrAlreadyFull if the pool is already at capacity.
	ReleaseCopy(ctx context.Context, editionID uuid.UUID) error

	// Reprovision sets a new total copy count and recomputes availability
	// from the open allocation count, failing with ErrNegativeAvailability
	// if newTotal is below it. Returns the updated snapshot.
	Reprovision(ctx context.Context, editionID uuid.UUID, newTotal int) (Edition, error)

	// CreateAllocation persists a new open allocation record.
	CreateAllocation(ctx context.Context, a Allocation) error

	// GetAllocation returns the allocation record by id.
	GetAllocation(ctx context.Context, id uuid.UUID) (Allocation, error)

	// CloseAllocation marks the record closed and releases its copy back to
	// the pool as one atomic step. It fails with ErrAlreadyClosed if the
	// record is already closed and leaves nothing half-done: if the release
	// cannot be applied the close does not happen either.
	CloseAllocation(ctx context.Context, id uuid.UUID, reason CloseReason, closedAt time.Time) error

	// ListOpenByEdition returns the open allocations holding copies of the
	// edition, oldest first.
	ListOpenByEdition(ctx context.Context, editionID uuid.UUID) ([]Allocation, error)

	// ListOpenBySubject returns the subject's open allocations, oldest first.
	ListOpenBySubject(ctx context.Context, subjectID string) ([]Allocation, error)

	// ListExpiredReservations returns open reservations whose expiry has
	// passed at the given instant. Loans are never included.
	ListExpiredReservations(ctx context.Context, now time.Time) ([]Allocation, error)
}
