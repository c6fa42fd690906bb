package malefirc

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"testing"
	"time"

	"gopkg.in/irc.v4"

	"github.com/OmyDaGreat/malefirc/auth"
	"github.com/OmyDaGreat/malefirc/database"
	"github.com/OmyDaGreat/malefirc/xirc"
)

const testHostname = "malefirc-test.local"

const testReadTimeout = 5 * time.Second

func createTestServer(t *testing.T) (*Server, *database.MemoryDB) {
	db := database.OpenMemoryDB()
	srv := NewServer(db)
	srv.SetConfig(&Config{
		Hostname:     testHostname,
		OperName:     "admin",
		OperPassword: "adminpass",
		Auth:         auth.NewInternal(),
	})
	srv.Logger = NewLogger(io.Discard, false)
	return srv, db
}

type testClient struct {
	t *testing.T
	ircConn
}

func createTestClient(t *testing.T, srv *Server) *testClient {
	c1, c2 := net.Pipe()
	go srv.Handle(newNetIRCConn(c1))
	c := &testClient{t: t, ircConn: newNetIRCConn(c2)}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

func (c *testClient) write(cmd string, params ...string) {
	c.t.Helper()
	if err := c.WriteMessage(&irc.Message{Command: cmd, Params: params}); err != nil {
		c.t.Fatalf("failed to write %s: %v", cmd, err)
	}
}

func (c *testClient) writeTagged(tags irc.Tags, cmd string, params ...string) {
	c.t.Helper()
	if err := c.WriteMessage(&irc.Message{Tags: tags, Command: cmd, Params: params}); err != nil {
		c.t.Fatalf("failed to write %s: %v", cmd, err)
	}
}

func (c *testClient) read() *irc.Message {
	c.t.Helper()
	c.SetReadDeadline(time.Now().Add(testReadTimeout))
	msg, err := c.ReadMessage()
	if err != nil {
		c.t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

// expect reads one message and asserts its command.
func (c *testClient) expect(cmd string) *irc.Message {
	c.t.Helper()
	msg := c.read()
	if msg.Command != cmd {
		c.t.Fatalf("invalid message received: want %q, got: %v", cmd, msg)
	}
	return msg
}

// drainUntil reads messages until one with the given command arrives.
func (c *testClient) drainUntil(cmd string) *irc.Message {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		msg := c.read()
		if msg.Command == cmd {
			return msg
		}
	}
	c.t.Fatalf("no %q message received", cmd)
	return nil
}

// assertNoPending proves the queue is empty: a PING sentinel must be
// answered before anything else could arrive.
func (c *testClient) assertNoPending() {
	c.t.Helper()
	c.write("PING", "sentinel")
	msg := c.read()
	if msg.Command != "PONG" || len(msg.Params) < 2 || msg.Params[1] != "sentinel" {
		c.t.Fatalf("expected empty queue, got: %v", msg)
	}
}

func (c *testClient) register(nick string) {
	c.t.Helper()
	c.write("NICK", nick)
	c.write("USER", nick, "0", "*", nick)
	c.expect(xirc.RPL_WELCOME)
	c.expect(xirc.RPL_YOURHOST)
	c.expect(xirc.RPL_CREATED)
	c.expect(xirc.RPL_MYINFO)
	c.drainUntil(xirc.RPL_ISUPPORT)
}

func (c *testClient) join(channel string) {
	c.t.Helper()
	c.write("JOIN", channel)
	c.drainUntil(xirc.RPL_ENDOFNAMES)
}

func TestRegistration(t *testing.T) {
	srv, _ := createTestServer(t)
	c := createTestClient(t, srv)

	c.write("NICK", "alice")
	c.write("USER", "alice", "0", "*", "Alice")
	welcome := c.expect(xirc.RPL_WELCOME)
	if welcome.Params[0] != "alice" {
		t.Errorf("001 should target the nick, got %v", welcome.Params)
	}
	c.expect(xirc.RPL_YOURHOST)
	c.expect(xirc.RPL_CREATED)
	c.expect(xirc.RPL_MYINFO)
	c.expect(xirc.RPL_ISUPPORT)
}

func TestNicknameInUse(t *testing.T) {
	srv, _ := createTestServer(t)

	first := createTestClient(t, srv)
	first.register("alice")

	second := createTestClient(t, srv)
	second.write("NICK", "alice")
	reply := second.expect(xirc.ERR_NICKNAMEINUSE)
	if reply.Params[1] != "alice" {
		t.Errorf("unexpected 433 params: %v", reply.Params)
	}
}

func TestRegistrationGate(t *testing.T) {
	srv, _ := createTestServer(t)
	c := createTestClient(t, srv)

	c.write("JOIN", "#t")
	c.assertNoPending()

	if srv.world.GetChannel("#t") != nil {
		t.Error("JOIN before registration created a channel")
	}
}

func TestTwoUserChat(t *testing.T) {
	srv, db := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	bob := createTestClient(t, srv)
	bob.register("bob")

	alice.join("#t")
	bob.join("#t")
	alice.drainUntil("JOIN") // bob's join echo

	alice.write("PRIVMSG", "#t", "hello")

	msg := bob.expect("PRIVMSG")
	if msg.Prefix.Name != "alice" || msg.Params[0] != "#t" || msg.Params[1] != "hello" {
		t.Errorf("unexpected broadcast: %v", msg)
	}

	// The sender receives no echo.
	alice.assertNoPending()

	l, err := db.ListChannelMessages(context.Background(), "#t", &database.MessageOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListChannelMessages: %v", err)
	}
	if len(l) != 1 {
		t.Fatalf("want 1 history entry, got %d", len(l))
	}
	entry := l[0]
	if entry.Sender != "alice" || entry.Target != "#t" || entry.Text != "hello" ||
		entry.Type != "PRIVMSG" || !entry.IsChannel {
		t.Errorf("unexpected history entry: %+v", entry)
	}
}

func TestChannelKey(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#k")
	alice.write("MODE", "#k", "+k", "secret")
	alice.expect("MODE")

	bob := createTestClient(t, srv)
	bob.register("bob")

	bob.write("JOIN", "#k", "wrong")
	bob.expect(xirc.ERR_BADCHANNELKEY)

	bob.write("JOIN", "#k", "secret")
	names := bob.drainUntil(xirc.RPL_NAMREPLY)
	if names.Params[3] != "@alice bob" {
		t.Errorf("unexpected names reply: %v", names.Params)
	}
}

func TestModeratedChannel(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#m")
	alice.write("MODE", "#m", "+m")
	alice.expect("MODE")

	bob := createTestClient(t, srv)
	bob.register("bob")
	bob.join("#m")
	alice.drainUntil("JOIN")

	bob.write("PRIVMSG", "#m", "silenced")
	bob.expect(xirc.ERR_CANNOTSENDTOCHAN)
	alice.assertNoPending()

	alice.write("MODE", "#m", "+v", "bob")
	alice.expect("MODE")
	bob.expect("MODE")

	bob.write("PRIVMSG", "#m", "voiced now")
	msg := alice.expect("PRIVMSG")
	if msg.Params[1] != "voiced now" {
		t.Errorf("unexpected broadcast: %v", msg)
	}
}

func TestInviteOnlyChannel(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#i")
	alice.write("MODE", "#i", "+i")
	alice.expect("MODE")

	bob := createTestClient(t, srv)
	bob.register("bob")

	bob.write("JOIN", "#i")
	bob.expect(xirc.ERR_INVITEONLYCHAN)

	alice.write("INVITE", "bob", "#i")
	alice.expect(xirc.RPL_INVITING)
	invite := bob.expect("INVITE")
	if invite.Prefix.Name != "alice" || invite.Params[1] != "#i" {
		t.Errorf("unexpected INVITE: %v", invite)
	}

	bob.join("#i")

	// The invitation is consumed by the join.
	ch := srv.world.GetChannel("#i")
	ch.lock.Lock()
	invited := ch.isInvited("bob")
	ch.lock.Unlock()
	if invited {
		t.Error("the invitation should be consumed by the join")
	}
}

func TestBanMask(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#b")
	alice.write("MODE", "#b", "+b", "bob!*@*")
	alice.expect("MODE")

	bob := createTestClient(t, srv)
	bob.register("bob")
	bob.write("JOIN", "#b")
	bob.expect(xirc.ERR_BANNEDFROMCHAN)
	alice.assertNoPending()
}

func TestUserLimit(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#l")
	alice.write("MODE", "#l", "+l", "1")
	alice.expect("MODE")

	bob := createTestClient(t, srv)
	bob.register("bob")
	bob.write("JOIN", "#l")
	bob.expect(xirc.ERR_CHANNELISFULL)
}

func TestTopicLock(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#t")
	alice.write("TOPIC", "#t", "original")
	alice.expect("TOPIC")
	alice.write("MODE", "#t", "+t")
	alice.expect("MODE")

	bob := createTestClient(t, srv)
	bob.register("bob")
	bob.join("#t")
	alice.drainUntil("JOIN")

	bob.write("TOPIC", "#t", "hijacked")
	bob.expect(xirc.ERR_CHANOPRIVSNEEDED)

	bob.write("TOPIC", "#t")
	topic := bob.expect(xirc.RPL_TOPIC)
	if topic.Params[2] != "original" {
		t.Errorf("the topic changed: %v", topic.Params)
	}
}

func TestMentionNotice(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#t")
	bob := createTestClient(t, srv)
	bob.register("bob")
	bob.join("#t")
	alice.drainUntil("JOIN")

	alice.write("PRIVMSG", "#t", "hey @bob, also cc @carol")
	bob.expect("PRIVMSG")
	notice := bob.expect("NOTICE")
	if notice.Prefix.Name != testHostname {
		t.Errorf("mention notice should come from the server: %v", notice)
	}
	bob.assertNoPending()

	// @carol is not a member: no extra notice anywhere.
	alice.assertNoPending()
}

func TestReplyThreading(t *testing.T) {
	srv, db := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#t")

	bob := createTestClient(t, srv)
	bob.write("CAP", "REQ", "message-tags")
	bob.expect("CAP")
	bob.register("bob")
	bob.join("#t")
	alice.drainUntil("JOIN")

	alice.write("PRIVMSG", "#t", "hi")
	first := bob.expect("PRIVMSG")
	parentID := first.Tags["msgid"]
	if parentID == "" {
		t.Fatalf("missing msgid tag: %v", first)
	}

	bob.writeTagged(irc.Tags{"+reply": parentID}, "PRIVMSG", "#t", "yo")
	reply := alice.expect("PRIVMSG")
	// alice never negotiated message-tags: both tags are stripped.
	if len(reply.Tags) != 0 {
		t.Errorf("tags should be stripped for alice: %v", reply.Tags)
	}

	l, err := db.ListChannelMessages(context.Background(), "#t", &database.MessageOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListChannelMessages: %v", err)
	}
	if len(l) != 2 {
		t.Fatalf("want 2 history entries, got %d", len(l))
	}
	if l[1].ReplyTo != l[0].ID {
		t.Errorf("reply_to_id: want %d, got %d", l[0].ID, l[1].ReplyTo)
	}
}

func TestQuitCascade(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#a")
	alice.join("#b")

	bob := createTestClient(t, srv)
	bob.register("bob")
	bob.join("#a")
	alice.drainUntil("JOIN")

	carol := createTestClient(t, srv)
	carol.register("carol")
	carol.join("#b")
	alice.drainUntil("JOIN")

	// Closing the socket triggers cleanup.
	alice.Close()

	quit := bob.expect("QUIT")
	if quit.Prefix.Name != "alice" || quit.Params[0] != "Connection closed" {
		t.Errorf("unexpected QUIT: %v", quit)
	}
	carol.expect("QUIT")
	bob.assertNoPending()
	carol.assertNoPending()
}

func TestChannelDestruction(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#gone")
	alice.write("PART", "#gone")
	alice.expect("PART")

	if srv.world.GetChannel("#gone") != nil {
		t.Error("the emptied channel should be destroyed")
	}

	alice.write("LIST")
	alice.expect(xirc.RPL_LISTSTART)
	end := alice.read()
	if end.Command != xirc.RPL_LISTEND {
		t.Errorf("the destroyed channel is still listed: %v", end)
	}
}

func TestMembershipSymmetry(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#x")
	alice.join("#y")
	alice.write("PART", "#x")
	alice.expect("PART")

	dc := srv.world.GetUser("alice")
	for _, name := range []string{"#x", "#y"} {
		ch := srv.world.GetChannel(name)
		inChannel := false
		if ch != nil {
			ch.lock.Lock()
			inChannel = ch.hasMember("alice")
			ch.lock.Unlock()
		}
		inUser := false
		for _, joined := range dc.channelNames() {
			if joined == name {
				inUser = true
			}
		}
		if inChannel != inUser {
			t.Errorf("membership asymmetry for %s: channel=%v user=%v",
				name, inChannel, inUser)
		}
	}
}

func TestSASLPlain(t *testing.T) {
	srv, db := createTestServer(t)

	account := database.NewAccount("alice")
	if err := account.SetPassword("hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := db.StoreAccount(context.Background(), account); err != nil {
		t.Fatalf("StoreAccount: %v", err)
	}

	c := createTestClient(t, srv)
	c.write("CAP", "REQ", "sasl")
	c.expect("CAP")
	c.write("AUTHENTICATE", "PLAIN")
	c.expect("AUTHENTICATE")

	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00hunter2"))
	c.write("AUTHENTICATE", payload)
	c.expect(xirc.RPL_SASLSUCCESS)
	c.expect(xirc.RPL_LOGGEDIN)

	c.write("NICK", "alice")
	c.write("USER", "alice", "0", "*", "Alice")
	c.drainUntil(xirc.RPL_LOGGEDIN)
}

func TestSASLPlainWrongPassword(t *testing.T) {
	srv, db := createTestServer(t)

	account := database.NewAccount("alice")
	if err := account.SetPassword("hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := db.StoreAccount(context.Background(), account); err != nil {
		t.Fatalf("StoreAccount: %v", err)
	}

	c := createTestClient(t, srv)
	c.write("AUTHENTICATE", "PLAIN")
	c.expect("AUTHENTICATE")

	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
	c.write("AUTHENTICATE", payload)
	c.expect(xirc.ERR_SASLFAIL)

	c.register("alice")
	dc := srv.world.GetUser("alice")
	if dc.authenticated {
		t.Error("the connection should not be authenticated")
	}
}

func TestOper(t *testing.T) {
	srv, _ := createTestServer(t)

	c := createTestClient(t, srv)
	c.register("alice")

	c.write("OPER", "admin", "wrong")
	c.expect(xirc.ERR_PASSWDMISMATCH)

	c.write("OPER", "admin", "adminpass")
	c.expect(xirc.RPL_YOUREOPER)

	c.write("MODE", "alice")
	umodes := c.expect(xirc.RPL_UMODEIS)
	if umodes.Params[1] != "+o" {
		t.Errorf("unexpected user modes: %v", umodes.Params)
	}
}

func TestKick(t *testing.T) {
	srv, _ := createTestServer(t)

	alice := createTestClient(t, srv)
	alice.register("alice")
	alice.join("#k")

	bob := createTestClient(t, srv)
	bob.register("bob")
	bob.join("#k")
	alice.drainUntil("JOIN")

	bob.write("KICK", "#k", "alice")
	bob.expect(xirc.ERR_CHANOPRIVSNEEDED)

	alice.write("KICK", "#k", "bob", "begone")
	// The sender sees the echo too.
	kick := alice.expect("KICK")
	if kick.Params[1] != "bob" || kick.Params[2] != "begone" {
		t.Errorf("unexpected KICK: %v", kick)
	}
	bob.expect("KICK")

	ch := srv.world.GetChannel("#k")
	ch.lock.Lock()
	stillMember := ch.hasMember("bob")
	ch.lock.Unlock()
	if stillMember {
		t.Error("the kicked user is still a member")
	}
}
