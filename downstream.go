package malefirc

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"gopkg.in/irc.v4"

	"github.com/OmyDaGreat/malefirc/database"
	"github.com/OmyDaGreat/malefirc/xirc"
)

// permanentDownstreamCaps is the capability set advertised on CAP LS. The
// value string, if any, is appended as cap=value.
var permanentDownstreamCaps = map[string]string{
	"message-tags": "",
	"msgid":        "",
	"sasl":         "PLAIN",
}

// downstreamConn is a connection from an IRC client. Each connection is
// served by its own goroutine; the embedded conn serializes the write side.
type downstreamConn struct {
	*conn

	registered bool
	nick       string
	username   string
	realname   string
	hostname   string
	password   string // pending PASS argument

	caps map[string]bool // negotiated capabilities

	saslServer sasl.Server
	saslBuffer string

	authenticated bool
	account       string

	modes       modeSet
	awayMessage string

	channelsLock sync.Mutex
	channels     map[string]struct{} // casemapped names of joined channels

	cleanupOnce sync.Once
}

func newDownstreamConn(srv *Server, ic ircConn) *downstreamConn {
	remoteAddr := ic.RemoteAddr().String()
	logger := &prefixLogger{srv.Logger, fmt.Sprintf("downstream %q: ", remoteAddr)}
	dc := &downstreamConn{
		caps:     make(map[string]bool),
		channels: make(map[string]struct{}),
	}
	dc.conn = newConn(srv, ic, logger)

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	dc.hostname = host

	return dc
}

func (dc *downstreamConn) nickOrStar() string {
	if dc.nick == "" {
		return "*"
	}
	return dc.nick
}

func (dc *downstreamConn) prefix() *irc.Prefix {
	return &irc.Prefix{
		Name: dc.nick,
		User: dc.username,
		Host: dc.hostname,
	}
}

func (dc *downstreamConn) sendNumeric(numeric string, params ...string) {
	dc.SendMessage(&irc.Message{
		Prefix:  dc.srv.prefix(),
		Command: numeric,
		Params:  append([]string{dc.nickOrStar()}, params...),
	})
}

func (dc *downstreamConn) addChannel(name string) {
	dc.channelsLock.Lock()
	defer dc.channelsLock.Unlock()
	dc.channels[xirc.CasemapASCII(name)] = struct{}{}
}

func (dc *downstreamConn) removeChannel(name string) {
	dc.channelsLock.Lock()
	defer dc.channelsLock.Unlock()
	delete(dc.channels, xirc.CasemapASCII(name))
}

// channelNames snapshots the joined channel names in lexical order, the
// order in which cross-channel operations take channel locks.
func (dc *downstreamConn) channelNames() []string {
	dc.channelsLock.Lock()
	defer dc.channelsLock.Unlock()
	return xirc.SortedNames(dc.channels)
}

func (dc *downstreamConn) readMessages() error {
	for {
		msg, err := dc.ReadMessage()
		if err == io.EOF || isErrClosed(err) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read IRC command: %v", err)
		}

		err = dc.handleMessage(context.TODO(), msg)
		if ircErr, ok := err.(ircError); ok {
			ircErr.Message.Prefix = dc.srv.prefix()
			ircErr.Message.Params[0] = dc.nickOrStar()
			dc.SendMessage(ircErr.Message)
		} else if err == errClientQuit {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to handle IRC command %q: %v", msg.Command, err)
		}
	}
}

// cleanup tears the connection down: one QUIT per joined channel, channel
// destruction when emptied, nickname release and socket close. It is
// idempotent and is invoked from every exit path.
func (dc *downstreamConn) cleanup(reason string) {
	dc.cleanupOnce.Do(func() {
		quit := &irc.Message{
			Prefix:  dc.prefix(),
			Command: xirc.CmdQuit,
			Params:  []string{reason},
		}

		for _, name := range dc.channelNames() {
			ch := dc.srv.world.GetChannel(name)
			if ch == nil {
				continue
			}
			ch.lock.Lock()
			if ch.hasMember(dc.nick) {
				ch.removeMember(dc.nick)
				ch.broadcast(quit, nil)
			}
			ch.lock.Unlock()
			dc.srv.world.DropChannelIfEmpty(name)
		}

		if dc.nick != "" {
			dc.srv.world.ReleaseNick(dc, dc.nick)
		}

		dc.Close()
		dc.logger.Printf("connection cleaned up: %v", reason)
	})
}

func (dc *downstreamConn) handleMessage(ctx context.Context, msg *irc.Message) error {
	switch msg.Command {
	case xirc.CmdQuit:
		reason := "Client quit"
		if len(msg.Params) > 0 {
			reason = msg.Params[0]
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: xirc.CmdError,
			Params:  []string{"Closing link: " + reason},
		})
		dc.cleanup(reason)
		return errClientQuit
	case xirc.CmdPing:
		token := ""
		if len(msg.Params) > 0 {
			token = msg.Params[0]
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: xirc.CmdPong,
			Params:  []string{dc.srv.config.Hostname, token},
		})
		return nil
	case xirc.CmdPong:
		return nil
	case xirc.CmdCap:
		return dc.handleCap(msg)
	case xirc.CmdAuthenticate:
		return dc.handleAuthenticate(ctx, msg)
	case xirc.CmdPass:
		if dc.registered {
			return ircError{&irc.Message{
				Command: xirc.ERR_ALREADYREGISTERED,
				Params:  []string{"*", "You may not reregister"},
			}}
		}
		return parseMessageParams(msg, &dc.password)
	case xirc.CmdNick:
		return dc.handleNick(ctx, msg)
	case xirc.CmdUser:
		return dc.handleUser(ctx, msg)
	default:
		if !dc.registered {
			// The registration gate is silent: nothing but the
			// handshake commands is honored before registration.
			dc.logger.Debugf("dropping %q from unregistered connection", msg.Command)
			return nil
		}
		return dc.handleMessageRegistered(ctx, msg)
	}
}

func (dc *downstreamConn) handleNick(ctx context.Context, msg *irc.Message) error {
	if len(msg.Params) == 0 {
		return ircError{&irc.Message{
			Command: xirc.ERR_NONICKNAMEGIVEN,
			Params:  []string{"*", "No nickname given"},
		}}
	}
	nick := msg.Params[0]

	if dc.nick == "" {
		if !dc.srv.world.ClaimNick(dc, nick) {
			return ircError{&irc.Message{
				Command: xirc.ERR_NICKNAMEINUSE,
				Params:  []string{"*", nick, "Nickname is already in use"},
			}}
		}
		dc.nick = nick
		dc.maybeRegister(ctx)
		return nil
	}

	if !dc.srv.world.RenameNick(dc, dc.nick, nick) {
		return ircError{&irc.Message{
			Command: xirc.ERR_NICKNAMEINUSE,
			Params:  []string{"*", nick, "Nickname is already in use"},
		}}
	}

	rename := &irc.Message{
		Prefix:  dc.prefix(),
		Command: xirc.CmdNick,
		Params:  []string{nick},
	}
	oldNick := dc.nick
	dc.nick = nick

	// Keep the membership maps in sync, then tell everyone who can see
	// the user exactly once.
	recipients := map[*downstreamConn]struct{}{dc: {}}
	for _, name := range dc.channelNames() {
		ch := dc.srv.world.GetChannel(name)
		if ch == nil {
			continue
		}
		ch.lock.Lock()
		ch.renameMember(oldNick, nick)
		for _, member := range ch.membersInOrder() {
			recipients[member] = struct{}{}
		}
		ch.lock.Unlock()
	}
	for member := range recipients {
		member.SendMessage(rename)
	}
	return nil
}

func (dc *downstreamConn) handleUser(ctx context.Context, msg *irc.Message) error {
	if dc.registered || dc.username != "" {
		return ircError{&irc.Message{
			Command: xirc.ERR_ALREADYREGISTERED,
			Params:  []string{"*", "You may not reregister"},
		}}
	}
	var username string
	if err := parseMessageParams(msg, &username, nil, nil, &dc.realname); err != nil {
		return err
	}
	dc.username = username
	dc.maybeRegister(ctx)
	return nil
}

// authenticate verifies the credentials against the account store. A store
// failure degrades to "unauthenticated".
func (dc *downstreamConn) authenticate(ctx context.Context, username, password string) error {
	err := dc.srv.config.Auth.AuthPlain(ctx, dc.srv.db, username, password)
	if err != nil {
		dc.logger.Printf("failed authentication for %q: %v", username, err)
		return err
	}
	dc.authenticated = true
	dc.account = username
	dc.logger.Printf("authenticated as %q", username)
	return nil
}

func (dc *downstreamConn) maybeRegister(ctx context.Context) {
	if dc.registered || dc.nick == "" || dc.username == "" {
		return
	}

	// Best-effort PASS authentication: the client-supplied username is
	// the account name, and failure is silent.
	if dc.password != "" && !dc.authenticated {
		dc.authenticate(ctx, dc.username, dc.password)
		dc.password = ""
	}

	dc.registered = true

	hostname := dc.srv.config.Hostname
	dc.sendNumeric(xirc.RPL_WELCOME,
		fmt.Sprintf("Welcome to the %s IRC network, %s", hostname, dc.nick))
	dc.sendNumeric(xirc.RPL_YOURHOST,
		fmt.Sprintf("Your host is %s, running malefirc", hostname))
	dc.sendNumeric(xirc.RPL_CREATED,
		fmt.Sprintf("This server was created %s", dc.srv.created.Format(time.RFC1123)))
	dc.sendNumeric(xirc.RPL_MYINFO,
		hostname, "malefirc", stdUserModes, stdChannelModes+stdChannelParamModes)
	for _, msg := range xirc.GenerateIsupport(dc.nick, []string{
		"CASEMAPPING=ascii",
		"CHANTYPES=#",
		"PREFIX=(ov)@+",
	}) {
		msg.Prefix = dc.srv.prefix()
		dc.SendMessage(msg)
	}

	if dc.authenticated {
		dc.sendNumeric(xirc.RPL_LOGGEDIN,
			dc.prefix().String(), dc.account,
			fmt.Sprintf("You are now logged in as %s", dc.account))
	}

	if motd := dc.srv.config.MOTD; motd != "" {
		for _, msg := range xirc.GenerateMOTD(dc.nick, dc.srv.config.Hostname, motd) {
			msg.Prefix = dc.srv.prefix()
			dc.SendMessage(msg)
		}
	}

	dc.logger.Printf("registration complete for %q", dc.nick)
}

func (dc *downstreamConn) handleCap(msg *irc.Message) error {
	var subCmd string
	if err := parseMessageParams(msg, &subCmd); err != nil {
		return err
	}

	switch strings.ToUpper(subCmd) {
	case "LS":
		var caps []string
		for name, value := range permanentDownstreamCaps {
			if value != "" {
				caps = append(caps, name+"="+value)
			} else {
				caps = append(caps, name)
			}
		}
		sort.Strings(caps)
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: xirc.CmdCap,
			Params:  []string{dc.nickOrStar(), "LS", strings.Join(caps, " ")},
		})
	case "LIST":
		var caps []string
		for name, enabled := range dc.caps {
			if enabled {
				caps = append(caps, name)
			}
		}
		sort.Strings(caps)
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: xirc.CmdCap,
			Params:  []string{dc.nickOrStar(), "LIST", strings.Join(caps, " ")},
		})
	case "REQ":
		if len(msg.Params) < 2 {
			return newNeedMoreParamsError(xirc.CmdCap)
		}
		names := strings.Fields(msg.Params[1])

		ack := true
		for _, name := range names {
			if _, ok := permanentDownstreamCaps[strings.TrimPrefix(name, "-")]; !ok {
				ack = false
				break
			}
		}

		reply := "NAK"
		if ack {
			reply = "ACK"
			for _, name := range names {
				enable := !strings.HasPrefix(name, "-")
				name = strings.TrimPrefix(name, "-")
				dc.caps[name] = enable
				if name == "message-tags" {
					dc.messageTags.Store(enable)
				}
			}
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: xirc.CmdCap,
			Params:  []string{dc.nickOrStar(), reply, msg.Params[1]},
		})
	case "END":
		// Nothing to do: registration is gated on NICK+USER only.
	default:
		return ircError{&irc.Message{
			Command: xirc.ERR_INVALIDCAPCMD,
			Params:  []string{"*", subCmd, "Invalid CAP command"},
		}}
	}
	return nil
}

func (dc *downstreamConn) handleAuthenticate(ctx context.Context, msg *irc.Message) error {
	if dc.authenticated {
		return ircError{&irc.Message{
			Command: xirc.ERR_SASLALREADY,
			Params:  []string{"*", "You have already authenticated"},
		}}
	}

	var arg string
	if err := parseMessageParams(msg, &arg); err != nil {
		return err
	}

	if arg == "*" {
		dc.saslServer = nil
		dc.saslBuffer = ""
		return ircError{&irc.Message{
			Command: xirc.ERR_SASLABORTED,
			Params:  []string{"*", "SASL authentication aborted"},
		}}
	}

	if dc.saslServer == nil {
		if strings.ToUpper(arg) != "PLAIN" {
			return ircError{&irc.Message{
				Command: xirc.ERR_SASLFAIL,
				Params:  []string{"*", "Unsupported SASL mechanism"},
			}}
		}
		dc.saslServer = sasl.NewPlainServer(sasl.PlainAuthenticator(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return fmt.Errorf("SASL authorization identity not supported")
			}
			return dc.authenticate(ctx, username, password)
		}))
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: xirc.CmdAuthenticate,
			Params:  []string{"+"},
		})
		return nil
	}

	if len(arg) > xirc.MaxSASLLength {
		dc.saslServer = nil
		dc.saslBuffer = ""
		return ircError{&irc.Message{
			Command: xirc.ERR_SASLTOOLONG,
			Params:  []string{"*", "SASL message too long"},
		}}
	}

	chunk := arg
	if chunk == "+" {
		chunk = ""
	}
	dc.saslBuffer += chunk
	if len(chunk) == xirc.MaxSASLLength {
		// A full-length chunk means the payload continues.
		return nil
	}

	payload := dc.saslBuffer
	dc.saslBuffer = ""
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		dc.saslServer = nil
		return ircError{&irc.Message{
			Command: xirc.ERR_SASLFAIL,
			Params:  []string{"*", "Invalid base64-encoded response"},
		}}
	}

	_, done, err := dc.saslServer.Next(raw)
	if err != nil {
		dc.saslServer = nil
		return ircError{&irc.Message{
			Command: xirc.ERR_SASLFAIL,
			Params:  []string{"*", "SASL authentication failed"},
		}}
	}
	if done {
		dc.saslServer = nil
		dc.sendNumeric(xirc.RPL_SASLSUCCESS, "SASL authentication successful")
		dc.sendNumeric(xirc.RPL_LOGGEDIN,
			dc.prefix().String(), dc.account,
			fmt.Sprintf("You are now logged in as %s", dc.account))
	}
	return nil
}

func (dc *downstreamConn) handleMessageRegistered(ctx context.Context, msg *irc.Message) error {
	switch msg.Command {
	case xirc.CmdJoin:
		var namesStr string
		if err := parseMessageParams(msg, &namesStr); err != nil {
			return err
		}
		var keys []string
		if len(msg.Params) > 1 {
			keys = strings.Split(msg.Params[1], ",")
		}
		for i, name := range strings.Split(namesStr, ",") {
			var key string
			if i < len(keys) {
				key = keys[i]
			}
			dc.handleJoin(name, key)
		}
	case xirc.CmdPart:
		return dc.handlePart(msg)
	case xirc.CmdPrivmsg, xirc.CmdNotice:
		return dc.handleMessageCommand(ctx, msg)
	case xirc.CmdTopic:
		return dc.handleTopic(msg)
	case xirc.CmdNames:
		var name string
		if err := parseMessageParams(msg, &name); err != nil {
			return err
		}
		dc.sendNames(name)
	case xirc.CmdList:
		dc.handleList()
	case xirc.CmdWho:
		return dc.handleWho(msg)
	case xirc.CmdWhois:
		return dc.handleWhois(msg)
	case xirc.CmdWhowas:
		var nick string
		if err := parseMessageParams(msg, &nick); err != nil {
			return err
		}
		// Past nicknames are not retained.
		dc.sendNumeric(xirc.ERR_WASNOSUCHNICK, nick, "There was no such nickname")
		dc.sendNumeric(xirc.RPL_ENDOFWHOWAS, nick, "End of WHOWAS")
	case xirc.CmdMode:
		return dc.handleMode(msg)
	case xirc.CmdInvite:
		return dc.handleInvite(msg)
	case xirc.CmdKick:
		return dc.handleKick(msg)
	case xirc.CmdAway:
		if len(msg.Params) > 0 && msg.Params[0] != "" {
			dc.awayMessage = msg.Params[0]
			dc.sendNumeric(xirc.RPL_NOWAWAY, "You have been marked as being away")
		} else {
			dc.awayMessage = ""
			dc.sendNumeric(xirc.RPL_UNAWAY, "You are no longer marked as being away")
		}
	case xirc.CmdOper:
		return dc.handleOper(msg)
	case xirc.CmdKill:
		return dc.handleKill(msg)
	case xirc.CmdVersion:
		dc.sendNumeric(xirc.RPL_VERSION, "malefirc-0.1", dc.srv.config.Hostname,
			"IRC server")
	case xirc.CmdAdmin:
		hostname := dc.srv.config.Hostname
		dc.sendNumeric(xirc.RPL_ADMINME, hostname, "Administrative info")
		dc.sendNumeric(xirc.RPL_ADMINLOC1, hostname)
		dc.sendNumeric(xirc.RPL_ADMINLOC2, "IRC server")
		dc.sendNumeric(xirc.RPL_ADMINEMAIL, dc.srv.config.OperName+"@"+hostname)
	case xirc.CmdTime:
		dc.sendNumeric(xirc.RPL_TIME, dc.srv.config.Hostname,
			time.Now().Format(time.RFC1123))
	case xirc.CmdInfo:
		dc.sendNumeric(xirc.RPL_INFO, "malefirc IRC server")
		dc.sendNumeric(xirc.RPL_ENDOFINFO, "End of INFO list")
	case xirc.CmdMotd:
		if motd := dc.srv.config.MOTD; motd != "" {
			for _, reply := range xirc.GenerateMOTD(dc.nick, dc.srv.config.Hostname, motd) {
				reply.Prefix = dc.srv.prefix()
				dc.SendMessage(reply)
			}
		} else {
			dc.sendNumeric(xirc.ERR_NOMOTD, "MOTD File is missing")
		}
	case xirc.CmdUserhost:
		var replies []string
		for i, nick := range msg.Params {
			if i >= 5 {
				break
			}
			u := dc.srv.world.GetUser(nick)
			if u == nil {
				continue
			}
			replies = append(replies,
				fmt.Sprintf("%s=+%s@%s", u.nick, u.username, u.hostname))
		}
		dc.sendNumeric(xirc.RPL_USERHOST, strings.Join(replies, " "))
	case xirc.CmdIson:
		var present []string
		for _, nick := range msg.Params {
			if u := dc.srv.world.GetUser(nick); u != nil {
				present = append(present, u.nick)
			}
		}
		dc.sendNumeric(xirc.RPL_ISON, strings.Join(present, " "))
	default:
		dc.logger.Debugf("unhandled message: %v", msg)
		return newUnknownCommandError(msg.Command)
	}
	return nil
}

func (dc *downstreamConn) handleJoin(name, key string) {
	if !isChannelName(name) {
		dc.sendNumeric(xirc.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}

	// A concurrent part may destroy the channel between the lookup and the
	// lock acquisition; a dead channel is never revived.
	var ch *Channel
	for {
		ch = dc.srv.world.GetOrCreateChannel(name)
		ch.lock.Lock()
		if !ch.dead {
			break
		}
		ch.lock.Unlock()
	}

	if ch.hasMember(dc.nick) {
		ch.lock.Unlock()
		return
	}

	// The checks run in a fixed order: ban, invite, key, limit.
	mask := dc.prefix().String()
	switch {
	case ch.isBanned(mask):
		ch.lock.Unlock()
		dc.sendNumeric(xirc.ERR_BANNEDFROMCHAN, ch.Name, "Cannot join channel (+b)")
		return
	case ch.modes.Has('i') && !ch.isInvited(dc.nick):
		ch.lock.Unlock()
		dc.sendNumeric(xirc.ERR_INVITEONLYCHAN, ch.Name, "Cannot join channel (+i)")
		return
	case ch.modes.Has('k') && ch.key != key:
		ch.lock.Unlock()
		dc.sendNumeric(xirc.ERR_BADCHANNELKEY, ch.Name, "Cannot join channel (+k)")
		return
	case ch.userLimit > 0 && len(ch.members) >= ch.userLimit:
		ch.lock.Unlock()
		dc.sendNumeric(xirc.ERR_CHANNELISFULL, ch.Name, "Cannot join channel (+l)")
		return
	}

	first := len(ch.members) == 0
	ch.addMember(dc)
	delete(ch.invites, xirc.CasemapASCII(dc.nick))
	if first {
		ch.operators[xirc.CasemapASCII(dc.nick)] = struct{}{}
	}

	ch.broadcast(&irc.Message{
		Prefix:  dc.prefix(),
		Command: xirc.CmdJoin,
		Params:  []string{ch.Name},
	}, nil)

	topic := ch.topic
	names := ch.memberNames()
	ch.lock.Unlock()

	dc.addChannel(ch.Name)

	if topic != "" {
		dc.sendNumeric(xirc.RPL_TOPIC, ch.Name, topic)
	} else {
		dc.sendNumeric(xirc.RPL_NOTOPIC, ch.Name, "No topic is set")
	}
	for _, reply := range xirc.GenerateNamesReply(dc.nick, ch.Name, names) {
		reply.Prefix = dc.srv.prefix()
		dc.SendMessage(reply)
	}
}

func (dc *downstreamConn) handlePart(msg *irc.Message) error {
	var name string
	if err := parseMessageParams(msg, &name); err != nil {
		return err
	}
	var reason string
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}

	ch := dc.srv.world.GetChannel(name)
	if ch == nil {
		return newNoSuchChannelError(name)
	}

	ch.lock.Lock()
	if !ch.hasMember(dc.nick) {
		ch.lock.Unlock()
		return ircError{&irc.Message{
			Command: xirc.ERR_NOTONCHANNEL,
			Params:  []string{"*", name, "You're not on that channel"},
		}}
	}

	part := &irc.Message{
		Prefix:  dc.prefix(),
		Command: xirc.CmdPart,
		Params:  []string{ch.Name},
	}
	if reason != "" {
		part.Params = append(part.Params, reason)
	}
	ch.broadcast(part, nil)
	ch.removeMember(dc.nick)
	ch.lock.Unlock()

	dc.removeChannel(ch.Name)
	dc.srv.world.DropChannelIfEmpty(ch.Name)
	return nil
}

// historyTags builds the outgoing tag map for a routed message. The history
// id becomes msgid; the echoed client reply tag keeps its + prefix.
func historyTags(id, replyTo int64) irc.Tags {
	if id == 0 && replyTo == 0 {
		return nil
	}
	tags := make(irc.Tags)
	if id != 0 {
		tags["msgid"] = strconv.FormatInt(id, 10)
	}
	if replyTo != 0 {
		tags["+reply"] = strconv.FormatInt(replyTo, 10)
	}
	return tags
}

func (dc *downstreamConn) handleMessageCommand(ctx context.Context, msg *irc.Message) error {
	var target, text string
	if err := parseMessageParams(msg, &target, &text); err != nil {
		return err
	}

	var replyTo int64
	if raw, ok := msg.Tags["+reply"]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			replyTo = id
		}
	}

	if isChannelName(target) {
		ch := dc.srv.world.GetChannel(target)
		if ch == nil {
			return newNoSuchChannelError(target)
		}

		ch.lock.Lock()
		if ch.modes.Has('n') && !ch.hasMember(dc.nick) {
			ch.lock.Unlock()
			return ircError{&irc.Message{
				Command: xirc.ERR_CANNOTSENDTOCHAN,
				Params:  []string{"*", ch.Name, "Cannot send to channel (+n)"},
			}}
		}
		if ch.modes.Has('m') && !ch.isOperator(dc.nick) && !ch.isVoiced(dc.nick) {
			ch.lock.Unlock()
			return ircError{&irc.Message{
				Command: xirc.ERR_CANNOTSENDTOCHAN,
				Params:  []string{"*", ch.Name, "Cannot send to channel (+m)"},
			}}
		}

		id := dc.srv.appendHistory(ctx, &database.Message{
			Sender:    dc.nick,
			Target:    ch.Name,
			Text:      text,
			Type:      msg.Command,
			IsChannel: true,
			ReplyTo:   replyTo,
		})

		ch.broadcast(&irc.Message{
			Tags:    historyTags(id, replyTo),
			Prefix:  dc.prefix(),
			Command: msg.Command,
			Params:  []string{ch.Name, text},
		}, dc)
		dc.srv.metrics.messagesRouted.Inc()

		// Notices never trigger automatic replies.
		if msg.Command == xirc.CmdPrivmsg {
			for _, nick := range mentionedNicks(text) {
				member, ok := ch.members[xirc.CasemapASCII(nick)]
				if !ok || member == dc {
					continue
				}
				member.SendMessage(&irc.Message{
					Prefix:  dc.srv.prefix(),
					Command: xirc.CmdNotice,
					Params: []string{member.nick, fmt.Sprintf(
						"%s mentioned you in %s: %s", dc.nick, ch.Name, text)},
				})
			}
		}
		ch.lock.Unlock()
		return nil
	}

	u := dc.srv.world.GetUser(target)
	if u == nil {
		return newNoSuchNickError(target)
	}

	id := dc.srv.appendHistory(ctx, &database.Message{
		Sender:    dc.nick,
		Target:    u.nick,
		Text:      text,
		Type:      msg.Command,
		IsChannel: false,
		ReplyTo:   replyTo,
	})

	u.SendMessage(&irc.Message{
		Tags:    historyTags(id, replyTo),
		Prefix:  dc.prefix(),
		Command: msg.Command,
		Params:  []string{u.nick, text},
	})
	dc.srv.metrics.messagesRouted.Inc()
	return nil
}

func (dc *downstreamConn) handleTopic(msg *irc.Message) error {
	var name string
	if err := parseMessageParams(msg, &name); err != nil {
		return err
	}

	ch := dc.srv.world.GetChannel(name)
	if ch == nil {
		return newNoSuchChannelError(name)
	}

	ch.lock.Lock()
	defer ch.lock.Unlock()

	if len(msg.Params) < 2 {
		if ch.topic != "" {
			dc.sendNumeric(xirc.RPL_TOPIC, ch.Name, ch.topic)
		} else {
			dc.sendNumeric(xirc.RPL_NOTOPIC, ch.Name, "No topic is set")
		}
		return nil
	}

	if ch.modes.Has('t') && !ch.isOperator(dc.nick) {
		return newChanOpNeededError(ch.Name)
	}

	ch.topic = msg.Params[1]
	ch.broadcast(&irc.Message{
		Prefix:  dc.prefix(),
		Command: xirc.CmdTopic,
		Params:  []string{ch.Name, ch.topic},
	}, nil)
	return nil
}

func (dc *downstreamConn) sendNames(name string) {
	ch := dc.srv.world.GetChannel(name)
	if ch == nil {
		dc.sendNumeric(xirc.RPL_ENDOFNAMES, name, "End of /NAMES list")
		return
	}

	ch.lock.Lock()
	names := ch.memberNames()
	ch.lock.Unlock()

	for _, reply := range xirc.GenerateNamesReply(dc.nick, ch.Name, names) {
		reply.Prefix = dc.srv.prefix()
		dc.SendMessage(reply)
	}
}

func (dc *downstreamConn) handleList() {
	dc.sendNumeric(xirc.RPL_LISTSTART, "Channel", "Users  Name")
	for _, ch := range dc.srv.world.Channels() {
		ch.lock.Lock()
		secret := ch.modes.Has('s') && !ch.hasMember(dc.nick)
		count := strconv.Itoa(len(ch.members))
		topic := ch.topic
		ch.lock.Unlock()
		if secret {
			continue
		}
		params := []string{ch.Name, count}
		if topic != "" {
			// The trailing topic parameter is omitted entirely when no
			// topic is set.
			params = append(params, topic)
		}
		dc.sendNumeric(xirc.RPL_LIST, params...)
	}
	dc.sendNumeric(xirc.RPL_LISTEND, "End of /LIST")
}

func (dc *downstreamConn) handleWho(msg *irc.Message) error {
	var name string
	if err := parseMessageParams(msg, &name); err != nil {
		return err
	}

	ch := dc.srv.world.GetChannel(name)
	if ch != nil {
		ch.lock.Lock()
		for _, member := range ch.membersInOrder() {
			flags := "H"
			if member.awayMessage != "" {
				flags = "G"
			}
			if ch.isOperator(member.nick) {
				flags += "@"
			} else if ch.isVoiced(member.nick) {
				flags += "+"
			}
			dc.sendNumeric(xirc.RPL_WHOREPLY,
				ch.Name, member.username, member.hostname,
				dc.srv.config.Hostname, member.nick, flags,
				"0 "+member.realname)
		}
		ch.lock.Unlock()
	}
	dc.sendNumeric(xirc.RPL_ENDOFWHO, name, "End of WHO list")
	return nil
}

func (dc *downstreamConn) handleWhois(msg *irc.Message) error {
	// The target is the first parameter, even when a server is given.
	var nick string
	if err := parseMessageParams(msg, &nick); err != nil {
		return err
	}

	u := dc.srv.world.GetUser(nick)
	if u == nil {
		return newNoSuchNickError(nick)
	}

	dc.sendNumeric(xirc.RPL_WHOISUSER, u.nick, u.username, u.hostname, "*", u.realname)

	var channels []string
	for _, name := range u.channelNames() {
		ch := dc.srv.world.GetChannel(name)
		if ch == nil {
			continue
		}
		ch.lock.Lock()
		switch {
		case ch.isOperator(u.nick):
			channels = append(channels, "@"+ch.Name)
		case ch.isVoiced(u.nick):
			channels = append(channels, "+"+ch.Name)
		default:
			channels = append(channels, ch.Name)
		}
		ch.lock.Unlock()
	}
	if len(channels) > 0 {
		dc.sendNumeric(xirc.RPL_WHOISCHANNELS, u.nick, strings.Join(channels, " "))
	}

	dc.sendNumeric(xirc.RPL_WHOISSERVER, u.nick, dc.srv.config.Hostname, "malefirc IRC server")
	if u.modes.Has('o') {
		dc.sendNumeric(xirc.RPL_WHOISOPERATOR, u.nick, "is an IRC operator")
	}
	if u.authenticated {
		dc.sendNumeric(xirc.RPL_WHOISACCOUNT, u.nick, u.account, "is logged in as")
	}
	if u.awayMessage != "" {
		dc.sendNumeric(xirc.RPL_AWAY, u.nick, u.awayMessage)
	}
	dc.sendNumeric(xirc.RPL_ENDOFWHOIS, u.nick, "End of /WHOIS list")
	return nil
}

func (dc *downstreamConn) handleInvite(msg *irc.Message) error {
	var nick, name string
	if err := parseMessageParams(msg, &nick, &name); err != nil {
		return err
	}

	ch := dc.srv.world.GetChannel(name)
	if ch == nil {
		return newNoSuchChannelError(name)
	}
	// Resolved before the channel lock: the registry is never acquired
	// while a channel lock is held.
	target := dc.srv.world.GetUser(nick)

	ch.lock.Lock()
	defer ch.lock.Unlock()

	if !ch.hasMember(dc.nick) {
		return ircError{&irc.Message{
			Command: xirc.ERR_NOTONCHANNEL,
			Params:  []string{"*", name, "You're not on that channel"},
		}}
	}
	if ch.modes.Has('i') && !ch.isOperator(dc.nick) {
		return newChanOpNeededError(ch.Name)
	}
	if target == nil {
		return newNoSuchNickError(nick)
	}
	if ch.hasMember(target.nick) {
		return ircError{&irc.Message{
			Command: xirc.ERR_USERONCHANNEL,
			Params:  []string{"*", target.nick, ch.Name, "is already on channel"},
		}}
	}

	ch.invites[xirc.CasemapASCII(target.nick)] = struct{}{}
	target.SendMessage(&irc.Message{
		Prefix:  dc.prefix(),
		Command: xirc.CmdInvite,
		Params:  []string{target.nick, ch.Name},
	})
	dc.sendNumeric(xirc.RPL_INVITING, target.nick, ch.Name)
	return nil
}

func (dc *downstreamConn) handleKick(msg *irc.Message) error {
	var name, nick string
	if err := parseMessageParams(msg, &name, &nick); err != nil {
		return err
	}
	reason := dc.nick
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}

	ch := dc.srv.world.GetChannel(name)
	if ch == nil {
		return newNoSuchChannelError(name)
	}

	ch.lock.Lock()
	if !ch.isOperator(dc.nick) {
		ch.lock.Unlock()
		return newChanOpNeededError(ch.Name)
	}

	target, ok := ch.members[xirc.CasemapASCII(nick)]
	if !ok {
		ch.lock.Unlock()
		return ircError{&irc.Message{
			Command: xirc.ERR_USERNOTINCHANNEL,
			Params:  []string{"*", nick, name, "They aren't on that channel"},
		}}
	}

	// The sender stays in the member list, so the broadcast includes the
	// echo back to them.
	ch.broadcast(&irc.Message{
		Prefix:  dc.prefix(),
		Command: xirc.CmdKick,
		Params:  []string{ch.Name, target.nick, reason},
	}, nil)
	ch.removeMember(target.nick)
	ch.lock.Unlock()

	target.removeChannel(ch.Name)
	dc.srv.world.DropChannelIfEmpty(ch.Name)
	return nil
}

func (dc *downstreamConn) handleOper(msg *irc.Message) error {
	var name, password string
	if err := parseMessageParams(msg, &name, &password); err != nil {
		return err
	}

	nameOK := subtle.ConstantTimeCompare([]byte(name), []byte(dc.srv.config.OperName)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(dc.srv.config.OperPassword)) == 1
	if !nameOK || !passOK {
		return ircError{&irc.Message{
			Command: xirc.ERR_PASSWDMISMATCH,
			Params:  []string{"*", "Password incorrect"},
		}}
	}

	dc.modes.Add('o')
	dc.sendNumeric(xirc.RPL_YOUREOPER, "You are now an IRC operator")
	return nil
}

func (dc *downstreamConn) handleKill(msg *irc.Message) error {
	if !dc.modes.Has('o') {
		return ircError{&irc.Message{
			Command: xirc.ERR_NOPRIVILEGES,
			Params:  []string{"*", "Permission Denied- You're not an IRC operator"},
		}}
	}

	var nick string
	if err := parseMessageParams(msg, &nick); err != nil {
		return err
	}
	reason := "Killed"
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}

	target := dc.srv.world.GetUser(nick)
	if target == nil {
		return newNoSuchNickError(nick)
	}

	target.SendMessage(&irc.Message{
		Prefix:  dc.srv.prefix(),
		Command: xirc.CmdError,
		Params:  []string{fmt.Sprintf("Closing link: Killed (%s (%s))", dc.nick, reason)},
	})
	target.cleanup(fmt.Sprintf("Killed (%s (%s))", dc.nick, reason))
	return nil
}
