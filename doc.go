// Package circulation manages a library's circulation state: a finite pool
// of physical copies per book edition, contended for by time-boxed
// reservations and due-dated loans. Copies are claimed and released through
// atomic pool-counter updates, so that active allocations for an edition
// never exceed its total copy count even under concurrent requests, and
// every held copy is reclaimed exactly once on expiry, cancellation, return
// or edition deletion.
//
// The engine is storage-agnostic: it runs against the Store interface, with
// a PostgreSQL implementation in the pgstore subpackage and an in-memory one
// in memstore.
//
// Setup (PostgreSQL):
//
//	pool, err := pgxpool.New(ctx, databaseURL)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
//	if err := pgstore.Setup(ctx, pool); err != nil {
//		log.Fatal(err)
//	}
//
// Basic usage:
//
//	manager := circulation.NewManager(pgstore.New(pool))
//
//	ed, err := manager.RegisterEdition(ctx, circulation.Edition{
//		ISBN:        "978-0-13-468599-1",
//		Year:        2015,
//		Publisher:   "Addison-Wesley",
//		TotalCopies: 3,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	res, err := manager.Reserve(ctx, ed.ID, "reader-42")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Cancel(ctx, res.ID)
//
// Expired reservations are reclaimed by a background sweep:
//
//	reclaimer := circulation.NewReclaimer(manager, circulation.ReclaimerConfig{
//		Interval: time.Minute,
//	})
//	go reclaimer.Run(ctx)
package circulation
