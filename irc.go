package malefirc

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/irc.v4"

	"github.com/OmyDaGreat/malefirc/xirc"
)

// ircError wraps a numeric reply to be sent on the offending connection.
type ircError struct {
	Message *irc.Message
}

func (err ircError) Error() string {
	return err.Message.String()
}

func newUnknownCommandError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: xirc.ERR_UNKNOWNCOMMAND,
		Params:  []string{"*", cmd, "Unknown command"},
	}}
}

func newNeedMoreParamsError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: xirc.ERR_NEEDMOREPARAMS,
		Params:  []string{"*", cmd, "Not enough parameters"},
	}}
}

func newChanOpNeededError(name string) ircError {
	return ircError{&irc.Message{
		Command: xirc.ERR_CHANOPRIVSNEEDED,
		Params:  []string{"*", name, "You're not channel operator"},
	}}
}

func newNoSuchChannelError(name string) ircError {
	return ircError{&irc.Message{
		Command: xirc.ERR_NOSUCHCHANNEL,
		Params:  []string{"*", name, "No such channel"},
	}}
}

func newNoSuchNickError(nick string) ircError {
	return ircError{&irc.Message{
		Command: xirc.ERR_NOSUCHNICK,
		Params:  []string{"*", nick, "No such nick/channel"},
	}}
}

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return newNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

// modeSet is an ordered set of single-letter mode flags.
type modeSet string

func (ms modeSet) Has(c byte) bool {
	return strings.IndexByte(string(ms), c) >= 0
}

func (ms *modeSet) Add(c byte) {
	if !ms.Has(c) {
		*ms += modeSet(c)
	}
}

func (ms *modeSet) Del(c byte) {
	i := strings.IndexByte(string(*ms), c)
	if i >= 0 {
		*ms = (*ms)[:i] + (*ms)[i+1:]
	}
}

func (ms modeSet) String() string {
	if ms == "" {
		return "+"
	}
	return "+" + string(ms)
}

// User mode flags: invisible, server operator, wallops.
const stdUserModes = "iow"

// Channel mode flags without an argument: moderated, secret, invite-only,
// topic-locked, no-external-messages.
const stdChannelModes = "msitn"

// Channel modes consuming an argument when set: operator, voice, ban, key,
// limit.
const stdChannelParamModes = "ovbkl"

// mentionRe matches @nick tokens inside a message body.
var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_\-\[\]\\{}^|]+)`)

// mentionedNicks extracts the nicks referenced as @nick in text, in order of
// appearance, without duplicates.
func mentionedNicks(text string) []string {
	var nicks []string
	seen := make(map[string]struct{})
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		nick := m[1]
		key := xirc.CasemapASCII(nick)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		nicks = append(nicks, nick)
	}
	return nicks
}

func isChannelName(name string) bool {
	return strings.HasPrefix(name, "#")
}

var errClientQuit = fmt.Errorf("client quit")
