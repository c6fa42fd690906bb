// Package database implements the persistent account and message history
// store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MessageOptions restricts a history query.
type MessageOptions struct {
	// Limit caps the number of entries returned. Zero means no limit.
	Limit int
	// Before restricts the query to entries strictly older than the given
	// time. The zero time means no restriction.
	Before time.Time
}

type Database interface {
	Close() error
	Stats(ctx context.Context) (*DatabaseStats, error)

	GetAccount(ctx context.Context, username string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	StoreAccount(ctx context.Context, account *Account) error
	DeleteAccount(ctx context.Context, id int64) error

	// StoreMessage appends a history entry and returns its id. It returns
	// (0, nil) without writing when the sender's account disallows message
	// logging.
	StoreMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	ListChannelMessages(ctx context.Context, channel string, options *MessageOptions) ([]Message, error)
	ListPrivateMessages(ctx context.Context, nick1, nick2 string, options *MessageOptions) ([]Message, error)
	ListMessagesBySender(ctx context.Context, sender string, limit int) ([]Message, error)
	ListReplies(ctx context.Context, parentID int64, limit int) ([]Message, error)
	SearchMessages(ctx context.Context, query, target string, limit int) ([]Message, error)
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func Open(driver, source string) (Database, error) {
	switch driver {
	case "sqlite3":
		return OpenSqliteDB(source)
	case "postgres":
		return OpenPostgresDB(source)
	case "memory":
		return OpenMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

type DatabaseStats struct {
	Accounts int64
	Messages int64
}

type Account struct {
	ID        int64
	Username  string
	Password  string // hashed
	Email     string
	CreatedAt time.Time
	LastLogin time.Time
	Verified  bool

	AllowMessageLogging bool
	AllowHistoryAccess  bool
}

func NewAccount(username string) *Account {
	return &Account{
		Username:            username,
		CreatedAt:           time.Now(),
		AllowMessageLogging: true,
		AllowHistoryAccess:  true,
	}
}

func (a *Account) CheckPassword(password string) error {
	if a.Password == "" {
		return fmt.Errorf("password auth disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(password)); err != nil {
		return fmt.Errorf("wrong password: %v", err)
	}
	return nil
}

func (a *Account) SetPassword(password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %v", err)
	}
	a.Password = string(hashed)
	return nil
}

// Message is a single history entry. A zero ReplyTo means the entry is not
// part of a reply thread.
type Message struct {
	ID        int64
	Time      time.Time // millisecond precision
	Sender    string
	Target    string // channel or nick
	Text      string
	Type      string
	IsChannel bool
	ReplyTo   int64
}

func toNullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}

func toNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{
		Time:  t,
		Valid: !t.IsZero(),
	}
}

func toNullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{
		Int64: n,
		Valid: n != 0,
	}
}

func unixMilli(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromUnixMilli(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond))
}

// reverseMessages flips a slice fetched in reverse chronological order back
// into chronological order.
func reverseMessages(l []Message) []Message {
	for i, j := 0, len(l)-1; i < j; i, j = i+1, j-1 {
		l[i], l[j] = l[j], l[i]
	}
	return l
}
