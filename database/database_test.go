package database

import (
	"context"
	"testing"
	"time"
)

func storeTestAccount(t *testing.T, db Database, username string) *Account {
	t.Helper()

	account := NewAccount(username)
	if err := account.SetPassword("hunter2"); err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	if err := db.StoreAccount(context.Background(), account); err != nil {
		t.Fatalf("failed to store account %q: %v", username, err)
	}
	return account
}

func TestAccountRoundTrip(t *testing.T) {
	db := OpenMemoryDB()
	ctx := context.Background()

	stored := storeTestAccount(t, db, "alice")
	if stored.ID == 0 {
		t.Fatal("StoreAccount did not assign an id")
	}

	account, err := db.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !account.AllowMessageLogging || !account.AllowHistoryAccess {
		t.Errorf("privacy flags should default to true: %+v", account)
	}
	if err := account.CheckPassword("hunter2"); err != nil {
		t.Errorf("CheckPassword: %v", err)
	}
	if err := account.CheckPassword("wrong"); err == nil {
		t.Error("CheckPassword accepted a wrong password")
	}

	if _, err := db.GetAccount(ctx, "nobody"); err == nil {
		t.Error("GetAccount returned an unknown account")
	}
}

func TestStoreMessageHonorsLoggingOptOut(t *testing.T) {
	db := OpenMemoryDB()
	ctx := context.Background()

	account := storeTestAccount(t, db, "alice")
	account.AllowMessageLogging = false
	if err := db.StoreAccount(ctx, account); err != nil {
		t.Fatalf("StoreAccount: %v", err)
	}

	id, err := db.StoreMessage(ctx, &Message{
		Sender:    "alice",
		Target:    "#test",
		Text:      "do not log this",
		Type:      "PRIVMSG",
		IsChannel: true,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	if id != 0 {
		t.Fatalf("StoreMessage wrote despite the opt-out, id=%d", id)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Messages != 0 {
		t.Errorf("a row was written despite the opt-out")
	}
}

func TestHistoryAccessOptOutHidesSender(t *testing.T) {
	db := OpenMemoryDB()
	ctx := context.Background()

	account := storeTestAccount(t, db, "alice")
	storeTestAccount(t, db, "bob")

	for _, m := range []Message{
		{Sender: "alice", Target: "#test", Text: "from alice", Type: "PRIVMSG", IsChannel: true},
		{Sender: "bob", Target: "#test", Text: "from bob", Type: "PRIVMSG", IsChannel: true},
	} {
		m := m
		if _, err := db.StoreMessage(ctx, &m); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	account.AllowHistoryAccess = false
	if err := db.StoreAccount(ctx, account); err != nil {
		t.Fatalf("StoreAccount: %v", err)
	}

	l, err := db.ListChannelMessages(ctx, "#test", &MessageOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListChannelMessages: %v", err)
	}
	if len(l) != 1 || l[0].Sender != "bob" {
		t.Errorf("expected only bob's message, got %+v", l)
	}

	l, err = db.SearchMessages(ctx, "from", "#test", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(l) != 1 || l[0].Sender != "bob" {
		t.Errorf("search should exclude opted-out senders, got %+v", l)
	}
}

func TestReplyThreading(t *testing.T) {
	db := OpenMemoryDB()
	ctx := context.Background()

	parentID, err := db.StoreMessage(ctx, &Message{
		Sender: "alice", Target: "#t", Text: "hi", Type: "PRIVMSG", IsChannel: true,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	childID, err := db.StoreMessage(ctx, &Message{
		Sender: "bob", Target: "#t", Text: "yo", Type: "PRIVMSG", IsChannel: true,
		ReplyTo: parentID,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	if childID == parentID {
		t.Fatal("ids are not monotonic")
	}

	child, err := db.GetMessage(ctx, childID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if child.ReplyTo != parentID {
		t.Errorf("reply_to_id: want %d, got %d", parentID, child.ReplyTo)
	}

	replies, err := db.ListReplies(ctx, parentID, 10)
	if err != nil {
		t.Fatalf("ListReplies: %v", err)
	}
	if len(replies) != 1 || replies[0].ID != childID {
		t.Errorf("unexpected replies: %+v", replies)
	}
}

func TestPrivateHistoryIsSymmetric(t *testing.T) {
	db := OpenMemoryDB()
	ctx := context.Background()

	for _, m := range []Message{
		{Sender: "alice", Target: "bob", Text: "one", Type: "PRIVMSG"},
		{Sender: "bob", Target: "alice", Text: "two", Type: "PRIVMSG"},
		{Sender: "alice", Target: "carol", Text: "other", Type: "PRIVMSG"},
	} {
		m := m
		if _, err := db.StoreMessage(ctx, &m); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	l, err := db.ListPrivateMessages(ctx, "bob", "alice", &MessageOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListPrivateMessages: %v", err)
	}
	if len(l) != 2 || l[0].Text != "one" || l[1].Text != "two" {
		t.Errorf("unexpected private history: %+v", l)
	}
}

func TestDeleteMessagesBefore(t *testing.T) {
	db := OpenMemoryDB()
	ctx := context.Background()

	now := time.Now()
	for i, age := range []time.Duration{48 * time.Hour, 24 * time.Hour, 0} {
		msg := &Message{
			Time:   now.Add(-age),
			Sender: "alice", Target: "#t", Text: "msg", Type: "PRIVMSG",
			IsChannel: true,
		}
		if _, err := db.StoreMessage(ctx, msg); err != nil {
			t.Fatalf("StoreMessage #%d: %v", i, err)
		}
	}

	n, err := db.DeleteMessagesBefore(ctx, now.Add(-12*time.Hour))
	if err != nil {
		t.Fatalf("DeleteMessagesBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d entries, want 2", n)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Messages != 1 {
		t.Errorf("%d entries left, want 1", stats.Messages)
	}
}
