// Package history persists entity state changes and service calls to SQLite.
//
// SQLiteRepository owns the queries. Recorder adapts it to the entity store
// listener and the dispatcher recorder so that persistence happens on a
// background goroutine and never delays a mutation:
//
//	repo := history.NewSQLiteRepository(db.DB)
//	rec := history.NewRecorder(repo, 1024)
//	store.AddListener(rec)
//	dispatcher.AddRecorder(rec)
//	go rec.Run(ctx)
//
// When the queue is full new items are dropped and counted.
package history
