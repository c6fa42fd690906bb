//go:build !moderncsqlite && !nosqlite

package database

import (
	_ "git.sr.ht/~emersion/go-sqlite3-fts5"
	_ "github.com/mattn/go-sqlite3"
)

const SqliteEnabled = true

var sqliteDriver = "sqlite3"

// Keep in sync with modernc counterpart.
const sqliteOptions = "_foreign_keys=true&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate"
