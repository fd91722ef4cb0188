package logstore

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Open opens (creating if missing) the SQLite database shared by the log and
// config stores: WAL journaling, serialized driver access, a busy timeout so
// concurrent writers queue instead of failing.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_mutex=full", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %s", path)
	}

	// one connection, one writer
	db.SetMaxOpenConns(1)

	return db, nil
}
