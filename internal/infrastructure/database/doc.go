// Package database provides SQLite connectivity and schema migrations.
//
// Connections are opened with foreign keys enforced, a busy timeout and,
// for file databases, WAL journaling. The pool is capped at one open
// connection because SQLite allows a single writer; this also keeps an
// in-memory database alive for the lifetime of the handle.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
