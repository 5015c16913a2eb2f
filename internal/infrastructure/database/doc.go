// Package database provides the relay's SQLite connection and schema migrations.
//
// The relay keeps its device registry, device logs, and command audit trail
// in a single SQLite file opened in WAL mode. Migrations are numbered SQL
// files embedded in the binary (see the top-level migrations package) and
// applied at startup.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.Source()); err != nil {
//	    return err
//	}
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
package database
