package pgstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgxlisten"
)

// availabilityChannel is the NOTIFY channel fed by every release path. The
// payload is the edition UUID whose pool gained a copy.
const availabilityChannel = "circulation_availability"

func notifyAvailable(ctx context.Context, tx pgx.Tx, editionID uuid.UUID) error {
	_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", availabilityChannel, editionID.String())
	if err != nil {
		return fmt.Errorf("failed to notify availability: %w", err)
	}
	return nil
}

// Watcher surfaces availability changes as per-edition signal channels. It
// LISTENs on the channel the release transactions NOTIFY, so a caller can
// refresh a stale availability snapshot when copies come back instead of
// polling. Signals are coalesced: a slow consumer sees at least one signal
// per burst of releases, not one per release.
type Watcher struct {
	listener *pgxlisten.Listener

	mu      sync.Mutex
	waiters map[uuid.UUID][]chan struct{}
}

// NewWatcher creates a Watcher using a dedicated connection derived from the
// pool's configuration. Listen must be called for signals to flow.
func NewWatcher(pool *pgxpool.Pool) *Watcher {
	w := &Watcher{waiters: make(map[uuid.UUID][]chan struct{})}
	w.listener = &pgxlisten.Listener{
		Connect: func(ctx context.Context) (*pgx.Conn, error) {
			config := pool.Config().ConnConfig.Copy()
			return pgx.ConnectConfig(ctx, config)
		},
	}
	w.listener.Handle(availabilityChannel, pgxlisten.HandlerFunc(w.handleNotification))
	return w
}

// Listen blocks receiving notifications until ctx is cancelled. It is
// usually run in its own goroutine.
func (w *Watcher) Listen(ctx context.Context) error {
	return w.listener.Listen(ctx)
}

// Watch registers interest in the edition and returns a signal channel that
// receives whenever one of its copies is released. The channel is buffered;
// pending signals coalesce.
func (w *Watcher) Watch(editionID uuid.UUID) <-chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.waiters[editionID] = append(w.waiters[editionID], ch)
	w.mu.Unlock()
	return ch
}

// Unwatch removes a channel previously returned by Watch.
func (w *Watcher) Unwatch(editionID uuid.UUID, ch <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chans := w.waiters[editionID]
	for i, c := range chans {
		if c == ch {
			w.waiters[editionID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.waiters[editionID]) == 0 {
		delete(w.waiters, editionID)
	}
}

func (w *Watcher) handleNotification(_ context.Context, notification *pgconn.Notification, _ *pgx.Conn) error {
	editionID, err := uuid.Parse(notification.Payload)
	if err != nil {
		// Not one of ours; ignore.
		return nil
	}

	w.mu.Lock()
	chans := make([]chan struct{}, len(w.waiters[editionID]))
	copy(chans, w.waiters[editionID])
	w.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}
