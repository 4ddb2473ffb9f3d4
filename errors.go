package circulation

import "errors"

var (
	// ErrUnauthorized means the subject lacks permission for the requested
	// action. Authorizer failures also map here; the gate fails closed.
	ErrUnauthorized = errors.New("subject is not authorized for this action")

	// ErrNoCopiesAvailable means the pool was exhausted at claim time. The
	// caller may retry later; no queueing is done on its behalf.
	ErrNoCopiesAvailable = errors.New("no copies available")

	// ErrInvalidDueDate means a loan's due date is not strictly in the
	// future at creation time.
	ErrInvalidDueDate = errors.New("due date must be in the future")

	// ErrEditionNotFound means the referenced edition has no pool.
	ErrEditionNotFound = errors.New("edition not found")

	// ErrEditionInUse means an edition cannot be deleted while open
	// allocations still hold its copies.
	ErrEditionInUse = errors.New("edition has open allocations")

	// ErrAllocationNotFound means the referenced allocation does not exist.
	ErrAllocationNotFound = errors.New("allocation not found")

	// ErrAlreadyClosed means a close was attempted on an allocation that is
	// already closed. The reclaim sweep treats this as a no-op; explicit
	// user actions surface it as a conflict.
	ErrAlreadyClosed = errors.New("allocation is already closed")

	// ErrWrongKind means the operation does not apply to the allocation's
	// kind, such as returning a reservation.
	ErrWrongKind = errors.New("operation does not apply to this allocation kind")

	// ErrAlreadyFull means a release was attempted on a pool already at
	// capacity. A release without a matching prior claim is an integrity
	// error, never silently ignored.
	ErrAlreadyFull = errors.New("available copies already at total")

	// ErrNegativeAvailability means a reprovision would set the total below
	// the number of copies currently held by open allocations.
	ErrNegativeAvailability = errors.New("total copies below open allocation count")
)
