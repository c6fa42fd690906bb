package xirc

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/irc.v4"
)

// GenerateIsupport splits the ISUPPORT tokens into as many 005 replies as
// needed.
func GenerateIsupport(nick string, tokens []string) []*irc.Message {
	maxTokens := maxMessageParams - 2 // 2 reserved params: nick + text

	var msgs []*irc.Message
	for len(tokens) > 0 {
		var msgTokens []string
		if len(tokens) > maxTokens {
			msgTokens = tokens[:maxTokens]
			tokens = tokens[maxTokens:]
		} else {
			msgTokens = tokens
			tokens = nil
		}

		msgs = append(msgs, &irc.Message{
			Command: RPL_ISUPPORT,
			Params:  append(append([]string{nick}, msgTokens...), "are supported by this server"),
		})
	}

	return msgs
}

func GenerateMOTD(nick, serverName, motd string) []*irc.Message {
	var msgs []*irc.Message
	msgs = append(msgs, &irc.Message{
		Command: RPL_MOTDSTART,
		Params:  []string{nick, fmt.Sprintf("- %s Message of the Day -", serverName)},
	})

	for _, l := range strings.Split(motd, "\n") {
		msgs = append(msgs, &irc.Message{
			Command: RPL_MOTD,
			Params:  []string{nick, "- " + l},
		})
	}

	msgs = append(msgs, &irc.Message{
		Command: RPL_ENDOFMOTD,
		Params:  []string{nick, "End of /MOTD command."},
	})

	return msgs
}

// GenerateNamesReply splits the member list of a channel into as many 353
// replies as needed, followed by the 366 end marker. Member names are
// expected to carry their @/+ prefix already.
func GenerateNamesReply(nick, channel string, members []string) []*irc.Message {
	emptyNameReply := irc.Message{
		Command: RPL_NAMREPLY,
		Params:  []string{nick, "=", channel, ""},
	}
	maxLength := maxMessageLength - len(emptyNameReply.String())

	var msgs []*irc.Message
	var buf strings.Builder
	for _, s := range members {
		n := buf.Len() + 1 + len(s)
		if buf.Len() != 0 && n > maxLength {
			// There's not enough space for the next space + nick
			msgs = append(msgs, &irc.Message{
				Command: RPL_NAMREPLY,
				Params:  []string{nick, "=", channel, buf.String()},
			})
			buf.Reset()
		}

		if buf.Len() != 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(s)
	}

	msgs = append(msgs, &irc.Message{
		Command: RPL_NAMREPLY,
		Params:  []string{nick, "=", channel, buf.String()},
	})
	msgs = append(msgs, &irc.Message{
		Command: RPL_ENDOFNAMES,
		Params:  []string{nick, channel, "End of /NAMES list"},
	})
	return msgs
}

// SortedNames orders channel names lexically. Cross-channel operations lock
// channels in this order.
func SortedNames(names map[string]struct{}) []string {
	l := make([]string, 0, len(names))
	for name := range names {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}
