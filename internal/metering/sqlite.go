package metering

import (
	"database/sql"
	"net/url"
)

// sqliteDSN carries the per-connection pragmas in the DSN so every pooled
// connection gets them, not only the one that happened to run a PRAGMA.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

// Single logical writer, many readers. WAL lets read handlers proceed while a
// collection pass holds the write transaction.
func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
}
