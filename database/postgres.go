package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
)

const postgresQueryTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE "Account" (
	id SERIAL PRIMARY KEY,
	username VARCHAR(255) NOT NULL UNIQUE,
	password VARCHAR(255) NOT NULL,
	email VARCHAR(255),
	created_at TIMESTAMPTZ NOT NULL,
	last_login TIMESTAMPTZ,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	allow_message_logging BOOLEAN NOT NULL DEFAULT TRUE,
	allow_history_access BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE "MessageHistory" (
	id BIGSERIAL PRIMARY KEY,
	timestamp BIGINT NOT NULL,
	sender VARCHAR(255) NOT NULL,
	target VARCHAR(255) NOT NULL,
	message TEXT NOT NULL,
	message_type VARCHAR(255) NOT NULL,
	is_channel_message BOOLEAN NOT NULL DEFAULT FALSE,
	reply_to_id BIGINT REFERENCES "MessageHistory"(id)
);

CREATE INDEX "MessageHistoryTargetIndex" ON "MessageHistory"(target, timestamp);
CREATE INDEX "MessageHistorySenderIndex" ON "MessageHistory"(sender, timestamp);
`

var postgresMigrations = []string{
	"", // migration #0 is reserved for schema initialization
}

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgresDB(source string) (Database, error) {
	sqlPostgresDB, err := sql.Open("postgres", source)
	if err != nil {
		return nil, err
	}

	db := &PostgresDB{db: sqlPostgresDB}
	if err := db.upgrade(); err != nil {
		sqlPostgresDB.Close()
		return nil, err
	}

	return db, nil
}

func (db *PostgresDB) Close() error {
	return db.db.Close()
}

func (db *PostgresDB) upgrade() error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS "SchemaVersion" (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema version table: %v", err)
	}

	var version int
	err = tx.QueryRow(`SELECT version FROM "SchemaVersion"`).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query schema version: %v", err)
	}

	if version == len(postgresMigrations) {
		return nil
	} else if version > len(postgresMigrations) {
		return fmt.Errorf("malefirc (version %d) older than schema (version %d)", len(postgresMigrations), version)
	}

	if version == 0 {
		if _, err := tx.Exec(postgresSchema); err != nil {
			return fmt.Errorf("failed to initialize schema: %v", err)
		}
	} else {
		for i := version; i < len(postgresMigrations); i++ {
			if _, err := tx.Exec(postgresMigrations[i]); err != nil {
				return fmt.Errorf("failed to execute migration #%v: %v", i, err)
			}
		}
	}

	if _, err := tx.Exec(`DELETE FROM "SchemaVersion"`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO "SchemaVersion" (version) VALUES ($1)`, len(postgresMigrations)); err != nil {
		return fmt.Errorf("failed to bump schema version: %v", err)
	}

	return tx.Commit()
}

func (db *PostgresDB) RegisterMetrics(r prometheus.Registerer) error {
	return r.Register(promcollectors.NewDBStatsCollector(db.db, "main"))
}

func (db *PostgresDB) Stats(ctx context.Context) (*DatabaseStats, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	var stats DatabaseStats
	row := db.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM "Account") AS accounts,
		(SELECT COUNT(*) FROM "MessageHistory") AS messages`)
	if err := row.Scan(&stats.Accounts, &stats.Messages); err != nil {
		return nil, err
	}

	return &stats, nil
}

func (db *PostgresDB) GetAccount(ctx context.Context, username string) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	account := &Account{Username: username}

	var email sql.NullString
	var lastLogin sql.NullTime
	row := db.db.QueryRowContext(ctx, `
		SELECT id, password, email, created_at, last_login, verified,
			allow_message_logging, allow_history_access
		FROM "Account"
		WHERE username = $1`, username)
	err := row.Scan(&account.ID, &account.Password, &email, &account.CreatedAt,
		&lastLogin, &account.Verified, &account.AllowMessageLogging,
		&account.AllowHistoryAccess)
	if err != nil {
		return nil, err
	}
	account.Email = email.String
	account.LastLogin = lastLogin.Time
	return account, nil
}

func (db *PostgresDB) ListAccounts(ctx context.Context) ([]Account, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, username, password, email, created_at, last_login,
			verified, allow_message_logging, allow_history_access
		FROM "Account"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var account Account
		var email sql.NullString
		var lastLogin sql.NullTime
		if err := rows.Scan(&account.ID, &account.Username, &account.Password,
			&email, &account.CreatedAt, &lastLogin, &account.Verified,
			&account.AllowMessageLogging, &account.AllowHistoryAccess); err != nil {
			return nil, err
		}
		account.Email = email.String
		account.LastLogin = lastLogin.Time
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

func (db *PostgresDB) StoreAccount(ctx context.Context, account *Account) error {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	var err error
	if account.ID == 0 {
		err = db.db.QueryRowContext(ctx, `
			INSERT INTO "Account" (username, password, email, created_at,
				last_login, verified, allow_message_logging,
				allow_history_access)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			account.Username, account.Password, toNullString(account.Email),
			account.CreatedAt, toNullTime(account.LastLogin), account.Verified,
			account.AllowMessageLogging, account.AllowHistoryAccess).
			Scan(&account.ID)
	} else {
		_, err = db.db.ExecContext(ctx, `
			UPDATE "Account"
			SET username = $1, password = $2, email = $3, created_at = $4,
				last_login = $5, verified = $6, allow_message_logging = $7,
				allow_history_access = $8
			WHERE id = $9`,
			account.Username, account.Password, toNullString(account.Email),
			account.CreatedAt, toNullTime(account.LastLogin), account.Verified,
			account.AllowMessageLogging, account.AllowHistoryAccess, account.ID)
	}
	return err
}

func (db *PostgresDB) DeleteAccount(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	_, err := db.db.ExecContext(ctx, `DELETE FROM "Account" WHERE id = $1`, id)
	return err
}

func (db *PostgresDB) StoreMessage(ctx context.Context, msg *Message) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	var allowLogging bool
	row := db.db.QueryRowContext(ctx,
		`SELECT allow_message_logging FROM "Account" WHERE username = $1`,
		msg.Sender)
	if err := row.Scan(&allowLogging); err == nil && !allowLogging {
		return 0, nil
	} else if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	err := db.db.QueryRowContext(ctx, `
		INSERT INTO "MessageHistory" (timestamp, sender, target, message,
			message_type, is_channel_message, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		unixMilli(msg.Time), msg.Sender, msg.Target, msg.Text, msg.Type,
		msg.IsChannel, toNullInt64(msg.ReplyTo)).
		Scan(&msg.ID)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

const postgresHistoryAccessClause = `NOT EXISTS (
	SELECT 1 FROM "Account" a
	WHERE a.username = m.sender AND NOT a.allow_history_access
)`

func (db *PostgresDB) selectMessages(ctx context.Context, where string, order string, limit int, args ...interface{}) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	q := `
		SELECT m.id, m.timestamp, m.sender, m.target, m.message,
			m.message_type, m.is_channel_message, m.reply_to_id
		FROM "MessageHistory" m
		WHERE ` + where + " AND " + postgresHistoryAccessClause +
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

func (db *PostgresDB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	l, err := db.selectMessages(ctx, "m.id = $1", "m.id", 1, id)
	if err != nil {
		return nil, err
	}
	if len(l) == 0 {
		return nil, sql.ErrNoRows
	}
	return &l[0], nil
}

func (db *PostgresDB) ListChannelMessages(ctx context.Context, channel string, options *MessageOptions) ([]Message, error) {
	where := "m.target = $1 AND m.is_channel_message"
	args := []interface{}{channel}
	if !options.Before.IsZero() {
		where += " AND m.timestamp < $2"
		args = append(args, unixMilli(options.Before))
	}
	l, err := db.selectMessages(ctx, where, "m.timestamp DESC, m.id DESC", options.Limit, args...)
	if err != nil {
		return nil, err
	}
	return reverseMessages(l), nil
}

func (db *PostgresDB) ListPrivateMessages(ctx context.Context, nick1, nick2 string, options *MessageOptions) ([]Message, error) {
	where := `NOT m.is_channel_message AND
		((m.sender = $1 AND m.target = $2) OR (m.sender = $2 AND m.target = $1))`
	args := []interface{}{nick1, nick2}
	if !options.Before.IsZero() {
		where += " AND m.timestamp < $3"
		args = append(args, unixMilli(options.Before))
	}
	l, err := db.selectMessages(ctx, where, "m.timestamp DESC, m.id DESC", options.Limit, args...)
	if err != nil {
		return nil, err
	}
	return reverseMessages(l), nil
}

func (db *PostgresDB) ListMessagesBySender(ctx context.Context, sender string, limit int) ([]Message, error) {
	l, err := db.selectMessages(ctx, "m.sender = $1", "m.timestamp DESC, m.id DESC", limit, sender)
	if err != nil {
		return nil, err
	}
	return reverseMessages(l), nil
}

func (db *PostgresDB) ListReplies(ctx context.Context, parentID int64, limit int) ([]Message, error) {
	return db.selectMessages(ctx, "m.reply_to_id = $1", "m.timestamp, m.id", limit, parentID)
}

func (db *PostgresDB) SearchMessages(ctx context.Context, query, target string, limit int) ([]Message, error) {
	where := "m.message ILIKE '%' || $1 || '%'"
	args := []interface{}{query}
	if target != "" {
		where += " AND m.target = $2"
		args = append(args, target)
	}
	l, err := db.selectMessages(ctx, where, "m.timestamp DESC, m.id DESC", limit, args...)
	if err != nil {
		return nil, err
	}
	return reverseMessages(l), nil
}

func (db *PostgresDB) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	res, err := db.db.ExecContext(ctx,
		`DELETE FROM "MessageHistory" WHERE timestamp < $1`, unixMilli(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
