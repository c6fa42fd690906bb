package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryDB is an in-memory store. The core compiles and runs against it when
// no database is configured, and the test suites use it in place of a real
// database.
type MemoryDB struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	messages    []Message
	nextAccount int64
	nextMessage int64
}

var _ Database = (*MemoryDB)(nil)

func OpenMemoryDB() *MemoryDB {
	return &MemoryDB{
		accounts:    make(map[string]*Account),
		nextAccount: 1,
		nextMessage: 1,
	}
}

func (db *MemoryDB) Close() error {
	return nil
}

func (db *MemoryDB) Stats(ctx context.Context) (*DatabaseStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return &DatabaseStats{
		Accounts: int64(len(db.accounts)),
		Messages: int64(len(db.messages)),
	}, nil
}

func (db *MemoryDB) GetAccount(ctx context.Context, username string) (*Account, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	account, ok := db.accounts[username]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *account
	return &cp, nil
}

func (db *MemoryDB) ListAccounts(ctx context.Context) ([]Account, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var accounts []Account
	for _, account := range db.accounts {
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

func (db *MemoryDB) StoreAccount(ctx context.Context, account *Account) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if account.ID == 0 {
		account.ID = db.nextAccount
		db.nextAccount++
	} else {
		for username, old := range db.accounts {
			if old.ID == account.ID && username != account.Username {
				delete(db.accounts, username)
			}
		}
	}
	cp := *account
	db.accounts[account.Username] = &cp
	return nil
}

func (db *MemoryDB) DeleteAccount(ctx context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for username, account := range db.accounts {
		if account.ID == id {
			delete(db.accounts, username)
			return nil
		}
	}
	return fmt.Errorf("no such account: %d", id)
}

func (db *MemoryDB) StoreMessage(ctx context.Context, msg *Message) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if account, ok := db.accounts[msg.Sender]; ok && !account.AllowMessageLogging {
		return 0, nil
	}

	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	msg.ID = db.nextMessage
	db.nextMessage++
	db.messages = append(db.messages, *msg)
	return msg.ID, nil
}

func (db *MemoryDB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range db.messages {
		if db.messages[i].ID == id {
			cp := db.messages[i]
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

// historyVisible reports whether the entry's sender still allows access to
// their history.
func (db *MemoryDB) historyVisible(msg *Message) bool {
	account, ok := db.accounts[msg.Sender]
	return !ok || account.AllowHistoryAccess
}

func (db *MemoryDB) listMessages(match func(*Message) bool, limit int, takeLast bool) []Message {
	var l []Message
	for i := range db.messages {
		msg := &db.messages[i]
		if !db.historyVisible(msg) || !match(msg) {
			continue
		}
		l = append(l, *msg)
	}
	if limit > 0 && len(l) > limit {
		if takeLast {
			l = l[len(l)-limit:]
		} else {
			l = l[:limit]
		}
	}
	return l
}

func (db *MemoryDB) ListChannelMessages(ctx context.Context, channel string, options *MessageOptions) ([]Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.listMessages(func(msg *Message) bool {
		if !msg.IsChannel || msg.Target != channel {
			return false
		}
		return options.Before.IsZero() || msg.Time.Before(options.Before)
	}, options.Limit, true), nil
}

func (db *MemoryDB) ListPrivateMessages(ctx context.Context, nick1, nick2 string, options *MessageOptions) ([]Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.listMessages(func(msg *Message) bool {
		if msg.IsChannel {
			return false
		}
		pair := (msg.Sender == nick1 && msg.Target == nick2) ||
			(msg.Sender == nick2 && msg.Target == nick1)
		if !pair {
			return false
		}
		return options.Before.IsZero() || msg.Time.Before(options.Before)
	}, options.Limit, true), nil
}

func (db *MemoryDB) ListMessagesBySender(ctx context.Context, sender string, limit int) ([]Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.listMessages(func(msg *Message) bool {
		return msg.Sender == sender
	}, limit, true), nil
}

func (db *MemoryDB) ListReplies(ctx context.Context, parentID int64, limit int) ([]Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.listMessages(func(msg *Message) bool {
		return msg.ReplyTo == parentID
	}, limit, false), nil
}

func (db *MemoryDB) SearchMessages(ctx context.Context, query, target string, limit int) ([]Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	query = strings.ToLower(query)
	return db.listMessages(func(msg *Message) bool {
		if target != "" && msg.Target != target {
			return false
		}
		return strings.Contains(strings.ToLower(msg.Text), query)
	}, limit, true), nil
}

func (db *MemoryDB) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var kept []Message
	var n int64
	for _, msg := range db.messages {
		if msg.Time.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	db.messages = kept
	return n, nil
}
