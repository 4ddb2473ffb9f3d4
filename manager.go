package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager is the single entry point for circulation operations. It
// coordinates the authorization gate, the pool counters and allocation
// persistence into one logical operation per call.
//
// Manager methods may block on store I/O; callers must not hold external
// locks across them.
type Manager struct {
	store  Store
	auth   Authorizer
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthorizer installs the permission predicate consulted before any
// allocation is attempted. Without it, every subject is allowed.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Manager) { m.auth = a }
}

// WithLogger installs a logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager on top of the given store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		auth:   allowAll,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterEdition creates the edition and its pool with all copies
// available. A zero ID is replaced with a fresh one.
func (m *Manager) RegisterEdition(ctx context.Context, ed Edition) (Edition, error) {
	if ed.TotalCopies < 0 {
		return Edition{}, fmt.Errorf("total copies cannot be negative: %d", ed.TotalCopies)
	}
	if ed.ID == uuid.Nil {
		ed.ID = uuid.New()
	}
	ed.AvailableCopies = ed.TotalCopies
	if err := m.store.CreateEdition(ctx, ed); err != nil {
		return Edition{}, fmt.Errorf("failed to create edition: %w", err)
	}
	return ed, nil
}

// Reprovision changes the edition's total copy count. Availability is
// recomputed from the open allocation count; shrinking below it fails with
// ErrNegativeAvailability.
func (m *Manager) Reprovision(ctx context.Context, editionID uuid.UUID, newTotal int) (Edition, error) {
	if newTotal < 0 {
		return Edition{}, fmt.Errorf("total copies cannot be negative: %d", newTotal)
	}
	return m.store.Reprovision(ctx, editionID, newTotal)
}

// Reserve places a time-boxed hold on one copy of the edition. The hold
// expires ReservationTTL after creation unless fulfilled or cancelled.
func (m *Manager) Reserve(ctx context.Context, editionID uuid.UUID, subjectID string) (Allocation, error) {
	if err := m.authorize(ctx, subjectID, ActionReserve); err != nil {
		return Allocation{}, err
	}
	now := m.now().UTC()
	return m.allocate(ctx, Allocation{
		ID:        uuid.New(),
		Kind:      KindReservation,
		EditionID: editionID,
		SubjectID: subjectID,
		CreatedAt: now,
		ExpiresAt: now.Add(ReservationTTL),
	})
}

// Borrow checks one copy of the edition out until dueAt, which must be
// strictly in the future.
func (m *Manager) Borrow(ctx context.Context, editionID uuid.UUID, subjectID string, dueAt time.Time) (Allocation, error) {
	if err := m.authorize(ctx, subjectID, ActionBorrow); err != nil {
		return Allocation{}, err
	}
	now := m.now().UTC()
	if !dueAt.After(now) {
		return Allocation{}, ErrInvalidDueDate
	}
	return m.allocate(ctx, Allocation{
		ID:        uuid.New(),
		Kind:      KindLoan,
		EditionID: editionID,
		SubjectID: subjectID,
		CreatedAt: now,
		DueAt:     dueAt.UTC(),
	})
}

// allocate runs the claim-then-persist protocol. A persist failure after a
// successful claim releases the copy again before the error is returned, so
// the pool is never left decremented without a live record.
func (m *Manager) allocate(ctx context.Context, a Allocation) (Allocation, error) {
	if err := m.store.ClaimCopy(ctx, a.EditionID); err != nil {
		return Allocation{}, err
	}
	if err := m.store.CreateAllocation(ctx, a); err != nil {
		if relErr := m.store.ReleaseCopy(ctx, a.EditionID); relErr != nil {
			m.logger.Error().
				Err(relErr).
				Str("edition_id", a.EditionID.String()).
				Msg("failed to release copy after persist failure")
		}
		return Allocation{}, fmt.Errorf("failed to persist allocation: %w", err)
	}
	m.logger.Debug().
		Str("allocation_id", a.ID.String()).
		Str("edition_id", a.EditionID.String()).
		Str("kind", string(a.Kind)).
		Msg("copy allocated")
	return a, nil
}

// CloseAllocation closes the record with the given reason and releases its
// copy. Closing is exactly-once: a second call fails with ErrAlreadyClosed
// and the pool is not touched again.
func (m *Manager) CloseAllocation(ctx context.Context, id uuid.UUID, reason CloseReason) error {
	if err := m.store.CloseAllocation(ctx, id, reason, m.now().UTC()); err != nil {
		if errors.Is(err, ErrAlreadyFull) {
			m.logger.Error().
				Str("allocation_id", id.String()).
				Msg("release without matching claim detected")
		}
		return err
	}
	m.logger.Debug().
		Str("allocation_id", id.String()).
		Str("reason", string(reason)).
		Msg("allocation closed")
	return nil
}

// Return closes a loan after the copy came back. Reservations cannot be
// returned; use Cancel or Fulfill.
func (m *Manager) Return(ctx context.Context, id uuid.UUID) error {
	return m.closeKind(ctx, id, KindLoan, ReasonReturned)
}

// Cancel withdraws an unfulfilled reservation.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	return m.closeKind(ctx, id, KindReservation, ReasonCancelled)
}

// Fulfill closes a reservation once the hold has been picked up. The copy
// becomes available again; a follow-up Borrow claims it for the loan.
func (m *Manager) Fulfill(ctx context.Context, id uuid.UUID) error {
	return m.closeKind(ctx, id, KindReservation, ReasonFulfilled)
}

func (m *Manager) closeKind(ctx context.Context, id uuid.UUID, kind Kind, reason CloseReason) error {
	a, err := m.store.GetAllocation(ctx, id)
	if err != nil {
		return err
	}
	if a.Kind != kind {
		return ErrWrongKind
	}
	return m.CloseAllocation(ctx, id, reason)
}

// DeleteEdition closes every open allocation for the edition with reason
// EditionDeleted and then removes the edition itself. Closed records are
// retained for history.
func (m *Manager) DeleteEdition(ctx context.Context, editionID uuid.UUID) error {
	open, err := m.store.ListOpenByEdition(ctx, editionID)
	if err != nil {
		return fmt.Errorf("failed to list open allocations: %w", err)
	}
	for _, a := range open {
		err := m.CloseAllocation(ctx, a.ID, ReasonEditionDeleted)
		if err != nil && !errors.Is(err, ErrAlreadyClosed) {
			return fmt.Errorf("failed to close allocation %s: %w", a.ID, err)
		}
	}
	return m.store.DeleteEdition(ctx, editionID)
}

// Availability returns a snapshot of the edition's pool counters. The
// snapshot may be stale; re-validate via Reserve or Borrow rather than
// acting on it.
func (m *Manager) Availability(ctx context.Context, editionID uuid.UUID) (Edition, error) {
	return m.store.GetEdition(ctx, editionID)
}

// ListEditions returns snapshots of every registered edition.
func (m *Manager) ListEditions(ctx context.Context) ([]Edition, error) {
	return m.store.ListEditions(ctx)
}

// ListActiveByEdition returns the open allocations holding copies of the
// edition.
func (m *Manager) ListActiveByEdition(ctx context.Context, editionID uuid.UUID) ([]Allocation, error) {
	return m.store.ListOpenByEdition(ctx, editionID)
}

// ListActiveBySubject returns the subject's open allocations.
func (m *Manager) ListActiveBySubject(ctx context.Context, subjectID string) ([]Allocation, error) {
	return m.store.ListOpenBySubject(ctx, subjectID)
}

// authorize consults the gate and fails closed: an authorizer error denies
// the action just like an explicit false.
func (m *Manager) authorize(ctx context.Context, subjectID string, action Action) error {
	ok, err := m.auth.Authorize(ctx, subjectID, action)
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("subject_id", subjectID).
			Str("action", string(action)).
			Msg("authorizer failed, denying")
		return ErrUnauthorized
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}
