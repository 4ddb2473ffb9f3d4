package pgstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarius/circulation"
	"github.com/librarius/circulation/pgstore"
)

func createEdition(t *testing.T, s *pgstore.Store, copies int) circulation.Edition {
	t.Helper()
	ctx := context.Background()
	ed := circulation.Edition{
		ID:              uuid.New(),
		ISBN:            fmt.Sprintf("isbn-%s", t.Name()),
		Year:            2020,
		Publisher:       "Test Press",
		TotalCopies:     copies,
		AvailableCopies: copies,
	}
	require.NoError(t, s.CreateEdition(ctx, ed), "failed to create edition")
	t.Cleanup(func() {
		_, _ = connPool.Exec(ctx, "DELETE FROM circulation_allocations WHERE edition_id = $1", ed.ID)
		_, _ = connPool.Exec(ctx, "DELETE FROM circulation_editions WHERE id = $1", ed.ID)
	})
	return ed
}

func createAllocation(t *testing.T, s *pgstore.Store, ed circulation.Edition, kind circulation.Kind) circulation.Allocation {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.ClaimCopy(ctx, ed.ID))
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := circulation.Allocation{
		ID:        uuid.New(),
		Kind:      kind,
		EditionID: ed.ID,
		SubjectID: "reader-" + t.Name(),
		CreatedAt: now,
	}
	if kind == circulation.KindReservation {
		a.ExpiresAt = now.Add(circulation.ReservationTTL)
	} else {
		a.DueAt = now.AddDate(0, 0, 7)
	}
	require.NoError(t, s.CreateAllocation(ctx, a))
	return a
}

func TestEditionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 3)

	got, err := s.GetEdition(ctx, ed.ID)
	require.NoError(t, err)
	require.Equal(t, ed, got)

	_, err = s.GetEdition(ctx, uuid.New())
	require.ErrorIs(t, err, circulation.ErrEditionNotFound)
}

func TestClaimReleaseBounds(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 1)

	require.ErrorIs(t, s.ReleaseCopy(ctx, ed.ID), circulation.ErrAlreadyFull)

	require.NoError(t, s.ClaimCopy(ctx, ed.ID))
	require.ErrorIs(t, s.ClaimCopy(ctx, ed.ID), circulation.ErrNoCopiesAvailable)
	require.ErrorIs(t, s.ClaimCopy(ctx, uuid.New()), circulation.ErrEditionNotFound)

	require.NoError(t, s.ReleaseCopy(ctx, ed.ID))
	require.ErrorIs(t, s.ReleaseCopy(ctx, ed.ID), circulation.ErrAlreadyFull)
}

func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)

	const copies = 4
	const contenders = 16
	ed := createEdition(t, s, copies)

	errs := make(chan error, contenders)
	var wg sync.WaitGroup
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.ClaimCopy(ctx, ed.ID)
		}()
	}
	wg.Wait()
	close(errs)

	var successes int
	for err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, circulation.ErrNoCopiesAvailable)
		}
	}
	require.Equal(t, copies, successes, "conditional update must hand out each copy exactly once")

	got, err := s.GetEdition(ctx, ed.ID)
	require.NoError(t, err)
	require.Zero(t, got.AvailableCopies)
}

func TestCloseAllocationTransactional(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 1)
	a := createAllocation(t, s, ed, circulation.KindReservation)

	closedAt := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CloseAllocation(ctx, a.ID, circulation.ReasonFulfilled, closedAt))

	got, err := s.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, got.Open())
	require.Equal(t, circulation.ReasonFulfilled, got.CloseReason)
	require.NotNil(t, got.ClosedAt)
	require.True(t, got.ClosedAt.Equal(closedAt))

	snap, err := s.GetEdition(ctx, ed.ID)
	require.NoError(t, err)
	require.Equal(t, 1, snap.AvailableCopies)

	require.ErrorIs(t,
		s.CloseAllocation(ctx, a.ID, circulation.ReasonExpired, closedAt),
		circulation.ErrAlreadyClosed)
	require.ErrorIs(t,
		s.CloseAllocation(ctx, uuid.New(), circulation.ReasonExpired, closedAt),
		circulation.ErrAllocationNotFound)

	// The failed second close must not have released another copy.
	snap, err = s.GetEdition(ctx, ed.ID)
	require.NoError(t, err)
	require.Equal(t, 1, snap.AvailableCopies)
}

func TestCloseRollsBackWhenReleaseFails(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 1)

	// An allocation without a matching claim: the pool is full, so the
	// release inside the close fails and the close must roll back.
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := circulation.Allocation{
		ID:        uuid.New(),
		Kind:      circulation.KindLoan,
		EditionID: ed.ID,
		SubjectID: "reader",
		CreatedAt: now,
		DueAt:     now.AddDate(0, 0, 7),
	}
	require.NoError(t, s.CreateAllocation(ctx, a))

	require.ErrorIs(t,
		s.CloseAllocation(ctx, a.ID, circulation.ReasonReturned, now),
		circulation.ErrAlreadyFull)

	got, err := s.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, got.Open(), "close must roll back together with the failed release")
}

func TestReprovisionConditions(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 3)
	createAllocation(t, s, ed, circulation.KindLoan)
	createAllocation(t, s, ed, circulation.KindLoan)

	got, err := s.Reprovision(ctx, ed.ID, 5)
	require.NoError(t, err)
	require.Equal(t, 5, got.TotalCopies)
	require.Equal(t, 3, got.AvailableCopies)

	got, err = s.Reprovision(ctx, ed.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, got.TotalCopies)
	require.Zero(t, got.AvailableCopies)

	_, err = s.Reprovision(ctx, ed.ID, 1)
	require.ErrorIs(t, err, circulation.ErrNegativeAvailability)

	_, err = s.Reprovision(ctx, uuid.New(), 1)
	require.ErrorIs(t, err, circulation.ErrEditionNotFound)
}

func TestDeleteEditionGuards(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 1)
	a := createAllocation(t, s, ed, circulation.KindReservation)

	require.ErrorIs(t, s.DeleteEdition(ctx, ed.ID), circulation.ErrEditionInUse)

	require.NoError(t, s.CloseAllocation(ctx, a.ID, circulation.ReasonCancelled, time.Now().UTC()))
	require.NoError(t, s.DeleteEdition(ctx, ed.ID))
	require.ErrorIs(t, s.DeleteEdition(ctx, ed.ID), circulation.ErrEditionNotFound)

	// History outlives the edition.
	got, err := s.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, circulation.ReasonCancelled, got.CloseReason)
}

func TestListExpiredReservations(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 2)

	res := createAllocation(t, s, ed, circulation.KindReservation)
	createAllocation(t, s, ed, circulation.KindLoan)

	expired, err := s.ListExpiredReservations(ctx, res.ExpiresAt.Add(-time.Second))
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = s.ListExpiredReservations(ctx, res.ExpiresAt)
	require.NoError(t, err)
	require.Len(t, expired, 1, "boundary is inclusive and loans are skipped")
	require.Equal(t, res.ID, expired[0].ID)
}

func TestListOpenAllocations(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 3)

	first := createAllocation(t, s, ed, circulation.KindReservation)
	second := createAllocation(t, s, ed, circulation.KindLoan)
	closed := createAllocation(t, s, ed, circulation.KindReservation)
	require.NoError(t, s.CloseAllocation(ctx, closed.ID, circulation.ReasonCancelled, time.Now().UTC()))

	open, err := s.ListOpenByEdition(ctx, ed.ID)
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, first.ID, open[0].ID)
	require.Equal(t, second.ID, open[1].ID)

	bySubject, err := s.ListOpenBySubject(ctx, first.SubjectID)
	require.NoError(t, err)
	require.Len(t, bySubject, 2)

	none, err := s.ListOpenByEdition(ctx, uuid.New())
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestAllocationTimestampsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := pgstore.New(connPool)
	ed := createEdition(t, s, 2)

	res := createAllocation(t, s, ed, circulation.KindReservation)
	got, err := s.GetAllocation(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, got.ExpiresAt.Equal(res.ExpiresAt))
	require.True(t, got.DueAt.IsZero(), "reservations carry no due date")

	loan := createAllocation(t, s, ed, circulation.KindLoan)
	got, err = s.GetAllocation(ctx, loan.ID)
	require.NoError(t, err)
	require.True(t, got.DueAt.Equal(loan.DueAt))
	require.True(t, got.ExpiresAt.IsZero(), "loans carry no expiry")

	_, err = s.GetAllocation(ctx, uuid.New())
	require.ErrorIs(t, err, circulation.ErrAllocationNotFound)
}
