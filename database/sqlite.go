//go:build !nosqlite

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
)

const sqliteQueryTimeout = 5 * time.Second

const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

func formatSqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

const sqliteSchema = `
CREATE TABLE Account (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,
	email TEXT,
	created_at TEXT NOT NULL,
	last_login TEXT,
	verified INTEGER NOT NULL DEFAULT 0,
	allow_message_logging INTEGER NOT NULL DEFAULT 1,
	allow_history_access INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE MessageHistory (
	id INTEGER PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	sender TEXT NOT NULL,
	target TEXT NOT NULL,
	message TEXT NOT NULL,
	message_type TEXT NOT NULL,
	is_channel_message INTEGER NOT NULL DEFAULT 0,
	reply_to_id INTEGER,
	FOREIGN KEY(reply_to_id) REFERENCES MessageHistory(id)
);

CREATE INDEX MessageHistoryTargetIndex ON MessageHistory(target, timestamp);
CREATE INDEX MessageHistorySenderIndex ON MessageHistory(sender, timestamp);

CREATE VIRTUAL TABLE MessageHistoryFTS USING fts5 (
	message,
	content='MessageHistory',
	content_rowid='id'
);
CREATE TRIGGER MessageHistoryFTSInsert AFTER INSERT ON MessageHistory BEGIN
	INSERT INTO MessageHistoryFTS(rowid, message) VALUES (new.id, new.message);
END;
CREATE TRIGGER MessageHistoryFTSDelete AFTER DELETE ON MessageHistory BEGIN
	INSERT INTO MessageHistoryFTS(MessageHistoryFTS, rowid, message) VALUES ('delete', old.id, old.message);
END;
`

var sqliteMigrations = []string{
	"", // migration #0 is reserved for schema initialization
}

type SqliteDB struct {
	db *sql.DB
}

func OpenSqliteDB(source string) (Database, error) {
	// Open the DB with a single connection so that it can be used from
	// multiple goroutines
	sqlSqliteDB, err := sql.Open(sqliteDriver, "file:"+source+"?"+sqliteOptions)
	if err != nil {
		return nil, err
	}
	sqlSqliteDB.SetMaxOpenConns(1)

	db := &SqliteDB{db: sqlSqliteDB}
	if err := db.upgrade(); err != nil {
		sqlSqliteDB.Close()
		return nil, err
	}

	return db, nil
}

func OpenTempSqliteDB() (Database, error) {
	// :memory: will open a separate database for each new connection. The
	// single connection enforced by OpenSqliteDB keeps it coherent.
	return OpenSqliteDB(":memory:")
}

func (db *SqliteDB) Close() error {
	return db.db.Close()
}

func (db *SqliteDB) upgrade() error {
	var version int
	if err := db.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to query schema version: %v", err)
	}

	if version == len(sqliteMigrations) {
		return nil
	} else if version > len(sqliteMigrations) {
		return fmt.Errorf("malefirc (version %d) older than schema (version %d)", len(sqliteMigrations), version)
	}

	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if version == 0 {
		if _, err := tx.Exec(sqliteSchema); err != nil {
			return fmt.Errorf("failed to initialize schema: %v", err)
		}
	} else {
		for i := version; i < len(sqliteMigrations); i++ {
			if _, err := tx.Exec(sqliteMigrations[i]); err != nil {
				return fmt.Errorf("failed to execute migration #%v: %v", i, err)
			}
		}
	}

	// For some reason prepared statements don't work here
	_, err = tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(sqliteMigrations)))
	if err != nil {
		return fmt.Errorf("failed to bump schema version: %v", err)
	}

	return tx.Commit()
}

func (db *SqliteDB) RegisterMetrics(r prometheus.Registerer) error {
	return r.Register(promcollectors.NewDBStatsCollector(db.db, "main"))
}

func (db *SqliteDB) Stats(ctx context.Context) (*DatabaseStats, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	var stats DatabaseStats
	row := db.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM Account) AS accounts,
		(SELECT COUNT(*) FROM MessageHistory) AS messages`)
	if err := row.Scan(&stats.Accounts, &stats.Messages); err != nil {
		return nil, err
	}

	return &stats, nil
}

func (db *SqliteDB) GetAccount(ctx context.Context, username string) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	account := &Account{Username: username}

	var email sql.NullString
	var createdAt string
	var lastLogin sql.NullString
	row := db.db.QueryRowContext(ctx, `
		SELECT id, password, email, created_at, last_login, verified,
			allow_message_logging, allow_history_access
		FROM Account
		WHERE username = ?`, username)
	err := row.Scan(&account.ID, &account.Password, &email, &createdAt,
		&lastLogin, &account.Verified, &account.AllowMessageLogging,
		&account.AllowHistoryAccess)
	if err != nil {
		return nil, err
	}
	account.Email = email.String
	if account.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		if account.LastLogin, err = time.Parse(sqliteTimeLayout, lastLogin.String); err != nil {
			return nil, err
		}
	}
	return account, nil
}

func (db *SqliteDB) ListAccounts(ctx context.Context) ([]Account, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, username, password, email, created_at, last_login,
			verified, allow_message_logging, allow_history_access
		FROM Account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var account Account
		var email sql.NullString
		var createdAt string
		var lastLogin sql.NullString
		if err := rows.Scan(&account.ID, &account.Username, &account.Password,
			&email, &createdAt, &lastLogin, &account.Verified,
			&account.AllowMessageLogging, &account.AllowHistoryAccess); err != nil {
			return nil, err
		}
		account.Email = email.String
		if account.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, err
		}
		if lastLogin.Valid {
			if account.LastLogin, err = time.Parse(sqliteTimeLayout, lastLogin.String); err != nil {
				return nil, err
			}
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

func (db *SqliteDB) StoreAccount(ctx context.Context, account *Account) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	var lastLogin sql.NullString
	if !account.LastLogin.IsZero() {
		lastLogin = toNullString(formatSqliteTime(account.LastLogin))
	}

	args := []interface{}{
		sql.Named("username", account.Username),
		sql.Named("password", account.Password),
		sql.Named("email", toNullString(account.Email)),
		sql.Named("created_at", formatSqliteTime(account.CreatedAt)),
		sql.Named("last_login", lastLogin),
		sql.Named("verified", account.Verified),
		sql.Named("allow_message_logging", account.AllowMessageLogging),
		sql.Named("allow_history_access", account.AllowHistoryAccess),
		sql.Named("id", account.ID),
	}

	var err error
	if account.ID == 0 {
		var res sql.Result
		res, err = db.db.ExecContext(ctx, `
			INSERT INTO Account (username, password, email, created_at,
				last_login, verified, allow_message_logging,
				allow_history_access)
			VALUES (:username, :password, :email, :created_at, :last_login,
				:verified, :allow_message_logging, :allow_history_access)`,
			args...)
		if err != nil {
			return err
		}
		account.ID, err = res.LastInsertId()
	} else {
		_, err = db.db.ExecContext(ctx, `
			UPDATE Account
			SET username = :username, password = :password, email = :email,
				created_at = :created_at, last_login = :last_login,
				verified = :verified,
				allow_message_logging = :allow_message_logging,
				allow_history_access = :allow_history_access
			WHERE id = :id`,
			args...)
	}
	return err
}

func (db *SqliteDB) DeleteAccount(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	_, err := db.db.ExecContext(ctx, "DELETE FROM Account WHERE id = ?", id)
	return err
}

func (db *SqliteDB) StoreMessage(ctx context.Context, msg *Message) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	var allowLogging bool
	row := db.db.QueryRowContext(ctx,
		"SELECT allow_message_logging FROM Account WHERE username = ?",
		msg.Sender)
	if err := row.Scan(&allowLogging); err == nil && !allowLogging {
		return 0, nil
	} else if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	res, err := db.db.ExecContext(ctx, `
		INSERT INTO MessageHistory (timestamp, sender, target, message,
			message_type, is_channel_message, reply_to_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		unixMilli(msg.Time), msg.Sender, msg.Target, msg.Text, msg.Type,
		msg.IsChannel, toNullInt64(msg.ReplyTo))
	if err != nil {
		return 0, err
	}
	msg.ID, err = res.LastInsertId()
	return msg.ID, err
}

// sqliteHistoryAccessClause excludes entries whose sender account has opted out of
// history access. Senders without an account are included.
const sqliteHistoryAccessClause = `NOT EXISTS (
	SELECT 1 FROM Account a
	WHERE a.username = m.sender AND a.allow_history_access = 0
)`

func (db *SqliteDB) selectMessages(ctx context.Context, where string, order string, limit int, args ...interface{}) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	q := `
		SELECT m.id, m.timestamp, m.sender, m.target, m.message,
			m.message_type, m.is_channel_message, m.reply_to_id
		FROM MessageHistory m
		WHERE ` + where + " AND " + sqliteHistoryAccessClause +
		" ORDER BY " + order
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var l []Message
	for rows.Next() {
		var msg Message
		var ts int64
		var replyTo sql.NullInt64
		if err := rows.Scan(&msg.ID, &ts, &msg.Sender, &msg.Target, &msg.Text,
			&msg.Type, &msg.IsChannel, &replyTo); err != nil {
			return nil, err
		}
		msg.Time = fromUnixMilli(ts)
		msg.ReplyTo = replyTo.Int64
		l = append(l, msg)
	}

	return l, rows.Err()
}

func (db *SqliteDB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	l, err := db.selectMessages(ctx, "m.id = ?", "m.id", 1, id)
	if err != nil {
		return nil, err
	}
	if len(l) == 0 {
		return nil, sql.ErrNoRows
	}
	return &l[0], nil
}

func (db *SqliteDB) ListChannelMessages(ctx context.Context, channel string, options *MessageOptions) ([]Message, error) {
	where := "m.target = ? AND m.is_channel_message = 1"
	args := []interface{}{channel}
	if !options.Before.IsZero() {
		where += " AND m.timestamp < ?"
		args = append(args, unixMilli(options.Before))
	}
	l, err := db.selectMessages(ctx, where, "m.timestamp DESC, m.id DESC", options.Limit, args...)
	if err != nil {
		return nil, err
	}
	return reverseMessages(l), nil
}

func (db *SqliteDB) ListPrivateMessages(ctx context.Context, nick1, nick2 string, options *MessageOptions) ([]Message, error) {
	where := `m.is_channel_message = 0 AND
		((m.sender = ? AND m.target = ?) OR (m.sender = ? AND m.target = ?))`
	args := []interface{}{nick1, nick2, nick2, nick1}
	if !options.Before.IsZero() {
		where += " AND m.timestamp < ?"
		args = append(args, unixMilli(options.Before))
	}
	l, err := db.selectMessages(ctx, where, "m.timestamp DESC, m.id DESC", options.Limit, args...)
	if err != nil {
		return nil, err
	}
	return reverseMessages(l), nil
}

func (db *SqliteDB) ListMessagesBySender(ctx context.Context, sender string, limit int) ([]Message, error) {
	l, err := db.selectMessages(ctx, "m.sender = ?", "m.timestamp DESC, m.id DESC", limit, sender)
	if err != nil {
		return nil, err
	}
	return reverseMessages(l), nil
}

func (db *SqliteDB) ListReplies(ctx context.Context, parentID int64, limit int) ([]Message, error) {
	return db.selectMessages(ctx, "m.reply_to_id = ?", "m.timestamp, m.id", limit, parentID)
}

func (db *SqliteDB) SearchMessages(ctx context.Context, query, target string, limit int) ([]Message, error) {
	where := `m.id IN (
		SELECT rowid FROM MessageHistoryFTS WHERE MessageHistoryFTS MATCH ?
	)`
	args := []interface{}{quoteFTSQuery(query)}
	if target != "" {
		where += " AND m.target = ?"
		args = append(args, target)
	}
	l, err := db.selectMessages(ctx, where, "m.timestamp DESC, m.id DESC", limit, args...)
	if err != nil {
		return nil, err
	}
	return reverseMessages(l), nil
}

func (db *SqliteDB) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteQueryTimeout)
	defer cancel()

	res, err := db.db.ExecContext(ctx,
		"DELETE FROM MessageHistory WHERE timestamp < ?", unixMilli(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// quoteFTSQuery turns arbitrary user input into a quoted FTS5 string so that
// FTS query syntax cannot leak in.
func quoteFTSQuery(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}
