//go:build !nosqlite

package database

import (
	"context"
	"testing"
)

func openTempSqliteDB(t *testing.T) Database {
	db, err := OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("failed to create temporary SQLite database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestSqliteMessageHistory(t *testing.T) {
	db := openTempSqliteDB(t)
	ctx := context.Background()

	storeTestAccount(t, db, "alice")

	parentID, err := db.StoreMessage(ctx, &Message{
		Sender: "alice", Target: "#t", Text: "hello world", Type: "PRIVMSG",
		IsChannel: true,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	if parentID == 0 {
		t.Fatal("StoreMessage did not assign an id")
	}

	childID, err := db.StoreMessage(ctx, &Message{
		Sender: "alice", Target: "#t", Text: "threaded", Type: "PRIVMSG",
		IsChannel: true, ReplyTo: parentID,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	l, err := db.ListChannelMessages(ctx, "#t", &MessageOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListChannelMessages: %v", err)
	}
	if len(l) != 2 || l[0].ID != parentID || l[1].ID != childID {
		t.Fatalf("unexpected channel history: %+v", l)
	}
	if l[1].ReplyTo != parentID {
		t.Errorf("reply_to_id: want %d, got %d", parentID, l[1].ReplyTo)
	}

	found, err := db.SearchMessages(ctx, "hello", "#t", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(found) != 1 || found[0].ID != parentID {
		t.Errorf("unexpected search result: %+v", found)
	}
}

func TestSqlitePrivacyFlags(t *testing.T) {
	db := openTempSqliteDB(t)
	ctx := context.Background()

	account := storeTestAccount(t, db, "alice")
	account.AllowMessageLogging = false
	if err := db.StoreAccount(ctx, account); err != nil {
		t.Fatalf("StoreAccount: %v", err)
	}

	id, err := db.StoreMessage(ctx, &Message{
		Sender: "alice", Target: "#t", Text: "secret", Type: "PRIVMSG",
		IsChannel: true,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	if id != 0 {
		t.Fatalf("StoreMessage wrote despite the opt-out, id=%d", id)
	}
}
