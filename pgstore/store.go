// Package pgstore implements circulation.Store on PostgreSQL.
//
// Every pool-counter mutation is a single conditional UPDATE checked via
// RowsAffected, so the claim/release sequence for one edition is
// linearizable at the database without any in-process locking. Closing an
// allocation marks the record and releases its copy inside one transaction,
// and a NOTIFY is sent on the availability channel whenever a copy comes
// back (see Watcher).
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/librarius/circulation"
)

// Store is the PostgreSQL-backed record store. The connection pool is
// expected to be managed by the caller; Store never closes it.
type Store struct {
	pool *pgxpool.Pool
}

var _ circulation.Store = (*Store)(nil)

// New creates a Store on top of the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateEdition(ctx context.Context, ed circulation.Edition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO circulation_editions (id, isbn, year, publisher, total_copies, available_copies)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ed.ID, ed.ISBN, ed.Year, ed.Publisher, ed.TotalCopies, ed.AvailableCopies,
	)
	if err != nil {
		return fmt.Errorf("failed to create edition: %w", err)
	}
	return nil
}

const editionColumns = "id, isbn, year, publisher, total_copies, available_copies"

func (s *Store) GetEdition(ctx context.Context, editionID uuid.UUID) (circulation.Edition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+editionColumns+` FROM circulation_editions WHERE id = $1`,
		editionID,
	)
	return scanEdition(row)
}

func (s *Store) ListEditions(ctx context.Context) ([]circulation.Edition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+editionColumns+` FROM circulation_editions ORDER BY isbn, year, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list editions: %w", err)
	}
	defer rows.Close()

	var editions []circulation.Edition
	for rows.Next() {
		ed, err := scanEdition(rows)
		if err != nil {
			return nil, err
		}
		editions = append(editions, ed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list editions: %w", err)
	}
	return editions, nil
}

func (s *Store) DeleteEdition(ctx context.Context, editionID uuid.UUID) error {
	// The availability guard keeps a concurrent claim from racing the delete.
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM circulation_editions WHERE id = $1 AND available_copies = total_copies`,
		editionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete edition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.editionExists(ctx, editionID)
		if err != nil {
			return err
		}
		if exists {
			return circulation.ErrEditionInUse
		}
		return circulation.ErrEditionNotFound
	}
	return nil
}

func (s *Store) ClaimCopy(ctx context.Context, editionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE circulation_editions
		 SET available_copies = available_copies - 1, updated_at = now()
		 WHERE id = $1 AND available_copies > 0`,
		editionID,
	)
	if err != nil {
		return fmt.Errorf("failed to claim copy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.editionExists(ctx, editionID)
		if err != nil {
			return err
		}
		if exists {
			return circulation.ErrNoCopiesAvailable
		}
		return circulation.ErrEditionNotFound
	}
	return nil
}

func (s *Store) ReleaseCopy(ctx context.Context, editionID uuid.UUID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.releaseCopyTx(ctx, tx, editionID); err != nil {
			return err
		}
		return notifyAvailable(ctx, tx, editionID)
	})
}

// releaseCopyTx applies the capped increment inside tx.
func (s *Store) releaseCopyTx(ctx context.Context, tx pgx.Tx, editionID uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		`UPDATE circulation_editions
		 SET available_copies = available_copies + 1, updated_at = now()
		 WHERE id = $1 AND available_copies < total_copies`,
		editionID,
	)
	if err != nil {
		return fmt.Errorf("failed to release copy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.editionExists(ctx, editionID)
		if err != nil {
			return err
		}
		if exists {
			return circulation.ErrAlreadyFull
		}
		return circulation.ErrEditionNotFound
	}
	return nil
}

func (s *Store) Reprovision(ctx context.Context, editionID uuid.UUID, newTotal int) (circulation.Edition, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE circulation_editions
		 SET total_copies = $2,
		     available_copies = $2 - (total_copies - available_copies),
		     updated_at = now()
		 WHERE id = $1 AND $2 >= total_copies - available_copies
		 RETURNING `+editionColumns,
		editionID, newTotal,
	)
	ed, err := scanEdition(row)
	if err == nil {
		return ed, nil
	}
	if errors.Is(err, circulation.ErrEditionNotFound) {
		exists, existsErr := s.editionExists(ctx, editionID)
		if existsErr != nil {
			return circulation.Edition{}, existsErr
		}
		if exists {
			return circulation.Edition{}, circulation.ErrNegativeAvailability
		}
		return circulation.Edition{}, circulation.ErrEditionNotFound
	}
	return circulation.Edition{}, err
}

const allocationColumns = "id, kind, edition_id, subject_id, created_at, expires_at, due_at, closed_at, close_reason"

func (s *Store) CreateAllocation(ctx context.Context, a circulation.Allocation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO circulation_allocations (id, kind, edition_id, subject_id, created_at, expires_at, due_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, string(a.Kind), a.EditionID, a.SubjectID, a.CreatedAt,
		nullableTime(a.ExpiresAt), nullableTime(a.DueAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (s *Store) GetAllocation(ctx context.Context, id uuid.UUID) (circulation.Allocation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM circulation_allocations WHERE id = $1`,
		id,
	)
	return scanAllocation(row)
}

func (s *Store) CloseAllocation(ctx context.Context, id uuid.UUID, reason circulation.CloseReason, closedAt time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var editionID uuid.UUID
		err := tx.QueryRow(ctx,
			`UPDATE circulation_allocations
			 SET closed_at = $2, close_reason = $3
			 WHERE id = $1 AND closed_at IS NULL
			 RETURNING edition_id`,
			id, closedAt, string(reason),
		).Scan(&editionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				var alreadyClosed bool
				err := tx.QueryRow(ctx,
					`SELECT closed_at IS NOT NULL FROM circulation_allocations WHERE id = $1`,
					id,
				).Scan(&alreadyClosed)
				if err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						return circulation.ErrAllocationNotFound
					}
					return fmt.Errorf("failed to inspect allocation: %w", err)
				}
				if alreadyClosed {
					return circulation.ErrAlreadyClosed
				}
				return circulation.ErrAllocationNotFound
			}
			return fmt.Errorf("failed to close allocation: %w", err)
		}

		// A release failure rolls the close back with it.
		if err := s.releaseCopyTx(ctx, tx, editionID); err != nil {
			return err
		}
		return notifyAvailable(ctx, tx, editionID)
	})
}

func (s *Store) ListOpenByEdition(ctx context.Context, editionID uuid.UUID) ([]circulation.Allocation, error) {
	return s.listAllocations(ctx,
		`SELECT `+allocationColumns+` FROM circulation_allocations
		 WHERE edition_id = $1 AND closed_at IS NULL
		 ORDER BY created_at, id`,
		editionID,
	)
}

func (s *Store) ListOpenBySubject(ctx context.Context, subjectID string) ([]circulation.Allocation, error) {
	return s.listAllocations(ctx,
		`SELECT `+allocationColumns+` FROM circulation_allocations
		 WHERE subject_id = $1 AND closed_at IS NULL
		 ORDER BY created_at, id`,
		subjectID,
	)
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time) ([]circulation.Allocation, error) {
	return s.listAllocations(ctx,
		`SELECT `+allocationColumns+` FROM circulation_allocations
		 WHERE kind = 'RESERVATION' AND closed_at IS NULL AND expires_at <= $1
		 ORDER BY expires_at, id`,
		now,
	)
}

func (s *Store) listAllocations(ctx context.Context, query string, args ...any) ([]circulation.Allocation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var allocations []circulation.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return allocations, nil
}

func (s *Store) editionExists(ctx context.Context, editionID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM circulation_editions WHERE id = $1)`,
		editionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check edition existence: %w", err)
	}
	return exists, nil
}

func scanEdition(row pgx.Row) (circulation.Edition, error) {
	var ed circulation.Edition
	err := row.Scan(&ed.ID, &ed.ISBN, &ed.Year, &ed.Publisher, &ed.TotalCopies, &ed.AvailableCopies)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return circulation.Edition{}, circulation.ErrEditionNotFound
		}
		return circulation.Edition{}, fmt.Errorf("failed to scan edition: %w", err)
	}
	return ed, nil
}

func scanAllocation(row pgx.Row) (circulation.Allocation, error) {
	var (
		a           circulation.Allocation
		kind        string
		expiresAt   *time.Time
		dueAt       *time.Time
		closeReason *string
	)
	err := row.Scan(&a.ID, &kind, &a.EditionID, &a.SubjectID, &a.CreatedAt,
		&expiresAt, &dueAt, &a.ClosedAt, &closeReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return circulation.Allocation{}, circulation.ErrAllocationNotFound
		}
		return circulation.Allocation{}, fmt.Errorf("failed to scan allocation: %w", err)
	}
	a.Kind = circulation.Kind(kind)
	if expiresAt != nil {
		a.ExpiresAt = *expiresAt
	}
	if dueAt != nil {
		a.DueAt = *dueAt
	}
	if closeReason != nil {
		a.CloseReason = circulation.CloseReason(*closeReason)
	}
	return a, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
