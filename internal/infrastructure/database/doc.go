// Package database provides SQLite connectivity for the ISH history store.
//
// It handles:
//   - Opening the database with WAL mode and a busy timeout
//   - Applying embedded schema migrations in version order
//   - Health checks for the /api/health endpoint
//
// All queries use parameterised statements. The database file is
// created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql.
package database
