// Package memstore provides an in-memory circulation.Store with the same
// observable semantics as the PostgreSQL implementation. It is intended for
// tests and single-process embedding; nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/librarius/circulation"
)

// Store keeps editions and allocations in maps behind a single mutex. One
// lock for the whole store is enough here: every operation is a handful of
// map accesses, and it makes the per-edition claim/release sequence trivially
// linearizable.
type Store struct {
	mu          sync.Mutex
	editions    map[uuid.UUID]*circulation.Edition
	allocations map[uuid.UUID]*circulation.Allocation
}

var _ circulation.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		editions:    make(map[uuid.UUID]*circulation.Edition),
		allocations: make(map[uuid.UUID]*circulation.Allocation),
	}
}

func (s *Store) CreateEdition(_ context.Context, ed circulation.Edition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.editions[ed.ID]; exists {
		return fmt.Errorf("edition %s already exists", ed.ID)
	}
	s.editions[ed.ID] = &ed
	return nil
}

func (s *Store) GetEdition(_ context.Context, editionID uuid.UUID) (circulation.Edition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ed, ok := s.editions[editionID]
	if !ok {
		return circulation.Edition{}, circulation.ErrEditionNotFound
	}
	return *ed, nil
}

func (s *Store) ListEditions(_ context.Context) ([]circulation.Edition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	editions := make([]circulation.Edition, 0, len(s.editions))
	for _, ed := range s.editions {
		editions = append(editions, *ed)
	}
	sort.Slice(editions, func(i, j int) bool {
		return editions[i].ID.String() < editions[j].ID.String()
	})
	return editions, nil
}

func (s *Store) DeleteEdition(_ context.Context, editionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ed, ok := s.editions[editionID]
	if !ok {
		return circulation.ErrEditionNotFound
	}
	if ed.AvailableCopies != ed.TotalCopies {
		return circulation.ErrEditionInUse
	}
	delete(s.editions, editionID)
	return nil
}

func (s *Store) ClaimCopy(_ context.Context, editionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ed, ok := s.editions[editionID]
	if !ok {
		return circulation.ErrEditionNotFound
	}
	if ed.AvailableCopies == 0 {
		return circulation.ErrNoCopiesAvailable
	}
	ed.AvailableCopies--
	return nil
}

func (s *Store) ReleaseCopy(_ context.Context, editionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.releaseLocked(editionID)
}

func (s *Store) releaseLocked(editionID uuid.UUID) error {
	ed, ok := s.editions[editionID]
	if !ok {
		return circulation.ErrEditionNotFound
	}
	if ed.AvailableCopies >= ed.TotalCopies {
		return circulation.ErrAlreadyFull
	}
	ed.AvailableCopies++
	return nil
}

func (s *Store) Reprovision(_ context.Context, editionID uuid.UUID, newTotal int) (circulation.Edition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ed, ok := s.editions[editionID]
	if !ok {
		return circulation.Edition{}, circulation.ErrEditionNotFound
	}
	open := ed.TotalCopies - ed.AvailableCopies
	if newTotal < open {
		return circulation.Edition{}, circulation.ErrNegativeAvailability
	}
	ed.TotalCopies = newTotal
	ed.AvailableCopies = newTotal - open
	return *ed, nil
}

func (s *Store) CreateAllocation(_ context.Context, a circulation.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.allocations[a.ID]; exists {
		return fmt.Errorf("allocation %s already exists", a.ID)
	}
	s.allocations[a.ID] = &a
	return nil
}

func (s *Store) GetAllocation(_ context.Context, id uuid.UUID) (circulation.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return circulation.Allocation{}, circulation.ErrAllocationNotFound
	}
	return *a, nil
}

func (s *Store) CloseAllocation(_ context.Context, id uuid.UUID, reason circulation.CloseReason, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return circulation.ErrAllocationNotFound
	}
	if a.ClosedAt != nil {
		return circulation.ErrAlreadyClosed
	}
	if err := s.releaseLocked(a.EditionID); err != nil {
		return err
	}
	t := closedAt
	a.ClosedAt = &t
	a.CloseReason = reason
	return nil
}

func (s *Store) ListOpenByEdition(_ context.Context, editionID uuid.UUID) ([]circulation.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterLocked(func(a *circulation.Allocation) bool {
		return a.ClosedAt == nil && a.EditionID == editionID
	}), nil
}

func (s *Store) ListOpenBySubject(_ context.Context, subjectID string) ([]circulation.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterLocked(func(a *circulation.Allocation) bool {
		return a.ClosedAt == nil && a.SubjectID == subjectID
	}), nil
}

func (s *Store) ListExpiredReservations(_ context.Context, now time.Time) ([]circulation.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterLocked(func(a *circulation.Allocation) bool {
		return a.ClosedAt == nil &&
			a.Kind == circulation.KindReservation &&
			!a.ExpiresAt.After(now)
	}), nil
}

func (s *Store) filterLocked(keep func(*circulation.Allocation) bool) []circulation.Allocation {
	var result []circulation.Allocation
	for _, a := range s.allocations {
		if keep(a) {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}
