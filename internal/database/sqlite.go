package database

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/jmgilman/go/errors"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "prefetch.db"

// Init opens (creating if needed) the SQLite database in dataDir.
func Init(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to create data directory")
	}
	return Open(filepath.Join(dataDir, FileName))
}

// Open opens the SQLite database at path. Pragmas go through the DSN so
// every pooled connection gets them.
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to open database")
	}
	// SQLite allows a single writer; serialize in the pool instead of
	// surfacing SQLITE_BUSY to the write-behind queue.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to ping database")
	}
	return db, nil
}
