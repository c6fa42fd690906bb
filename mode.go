package malefirc

import (
	"strconv"
	"strings"

	"gopkg.in/irc.v4"

	"github.com/OmyDaGreat/malefirc/xirc"
)

func (dc *downstreamConn) handleMode(msg *irc.Message) error {
	var target string
	if err := parseMessageParams(msg, &target); err != nil {
		return err
	}
	if isChannelName(target) {
		return dc.handleChannelMode(msg, target)
	}
	return dc.handleUserMode(msg, target)
}

func (dc *downstreamConn) handleUserMode(msg *irc.Message, target string) error {
	if xirc.CasemapASCII(target) != xirc.CasemapASCII(dc.nick) && !dc.modes.Has('o') {
		return ircError{&irc.Message{
			Command: xirc.ERR_USERSDONTMATCH,
			Params:  []string{"*", "Cannot change mode for other users"},
		}}
	}

	if len(msg.Params) < 2 {
		dc.sendNumeric(xirc.RPL_UMODEIS, dc.modes.String())
		return nil
	}

	var plusMinus byte = '+'
	applied := newModeChanges()
	for i := 0; i < len(msg.Params[1]); i++ {
		switch c := msg.Params[1][i]; c {
		case '+', '-':
			plusMinus = c
		case 'o':
			// Only a server operator may grant the flag, and only on
			// themselves: everyone else goes through OPER.
			if plusMinus == '+' && !dc.modes.Has('o') {
				continue
			}
			if plusMinus == '+' {
				dc.modes.Add('o')
			} else {
				dc.modes.Del('o')
			}
			applied.add(plusMinus, c)
		case 'i', 'w':
			if plusMinus == '+' {
				dc.modes.Add(c)
			} else {
				dc.modes.Del(c)
			}
			applied.add(plusMinus, c)
		default:
			return ircError{&irc.Message{
				Command: xirc.ERR_UMODEUNKNOWNFLAG,
				Params:  []string{"*", "Unknown MODE flag"},
			}}
		}
	}

	if modeStr := applied.String(); modeStr != "" {
		dc.SendMessage(&irc.Message{
			Prefix:  dc.prefix(),
			Command: xirc.CmdMode,
			Params:  []string{dc.nick, modeStr},
		})
	}
	return nil
}

func (dc *downstreamConn) handleChannelMode(msg *irc.Message, target string) error {
	ch := dc.srv.world.GetChannel(target)
	if ch == nil {
		return newNoSuchChannelError(target)
	}

	ch.lock.Lock()
	defer ch.lock.Unlock()

	if len(msg.Params) < 2 {
		params := []string{ch.Name, ch.modes.String()}
		if ch.modes.Has('k') {
			params = append(params, ch.key)
		}
		if ch.modes.Has('l') {
			params = append(params, strconv.Itoa(ch.userLimit))
		}
		dc.sendNumeric(xirc.RPL_CHANNELMODEIS, params...)
		return nil
	}

	if !ch.isOperator(dc.nick) {
		return newChanOpNeededError(ch.Name)
	}

	modeStr := msg.Params[1]
	args := msg.Params[2:]
	nextArg := func() (string, bool) {
		if len(args) == 0 {
			return "", false
		}
		arg := args[0]
		args = args[1:]
		return arg, true
	}

	var plusMinus byte = '+'
	applied := newModeChanges()
	for i := 0; i < len(modeStr); i++ {
		switch c := modeStr[i]; c {
		case '+', '-':
			plusMinus = c
		case 'm', 's', 'i', 't', 'n':
			if plusMinus == '+' {
				ch.modes.Add(c)
			} else {
				ch.modes.Del(c)
			}
			applied.add(plusMinus, c)
		case 'o', 'v':
			nick, ok := nextArg()
			if !ok {
				continue
			}
			if !ch.hasMember(nick) {
				dc.sendNumeric(xirc.ERR_USERNOTINCHANNEL, nick, ch.Name,
					"They aren't on that channel")
				continue
			}
			set := ch.operators
			if c == 'v' {
				set = ch.voiced
			}
			key := xirc.CasemapASCII(nick)
			if plusMinus == '+' {
				set[key] = struct{}{}
			} else {
				delete(set, key)
			}
			applied.addWithArg(plusMinus, c, nick)
		case 'b':
			mask, ok := nextArg()
			if !ok {
				// +b with no argument queries the ban list.
				for _, ban := range ch.bans {
					dc.sendNumeric(xirc.RPL_BANLIST, ch.Name, ban)
				}
				dc.sendNumeric(xirc.RPL_ENDOFBANLIST, ch.Name, "End of channel ban list")
				continue
			}
			if plusMinus == '+' {
				ch.bans = append(ch.bans, mask)
			} else {
				for i, ban := range ch.bans {
					if xirc.CasemapASCII(ban) == xirc.CasemapASCII(mask) {
						ch.bans = append(ch.bans[:i], ch.bans[i+1:]...)
						break
					}
				}
			}
			applied.addWithArg(plusMinus, c, mask)
		case 'k':
			if plusMinus == '+' {
				key, ok := nextArg()
				if !ok {
					continue
				}
				ch.key = key
				ch.modes.Add('k')
				applied.addWithArg(plusMinus, c, key)
			} else {
				ch.key = ""
				ch.modes.Del('k')
				applied.add(plusMinus, c)
			}
		case 'l':
			if plusMinus == '+' {
				arg, ok := nextArg()
				if !ok {
					continue
				}
				limit, err := strconv.Atoi(arg)
				if err != nil || limit <= 0 {
					continue
				}
				ch.userLimit = limit
				ch.modes.Add('l')
				applied.addWithArg(plusMinus, c, arg)
			} else {
				ch.userLimit = 0
				ch.modes.Del('l')
				applied.add(plusMinus, c)
			}
		default:
			// Unknown channel mode flags are ignored.
		}
	}

	// All applied changes coalesce into a single MODE broadcast.
	if modeStr := applied.String(); modeStr != "" {
		ch.broadcast(&irc.Message{
			Prefix:  dc.prefix(),
			Command: xirc.CmdMode,
			Params:  append([]string{ch.Name, modeStr}, applied.args...),
		}, nil)
	}
	return nil
}

// modeChanges accumulates applied mode flips so that one MODE message
// describes the whole change.
type modeChanges struct {
	flags strings.Builder
	sign  byte
	args  []string
}

func newModeChanges() *modeChanges {
	return &modeChanges{}
}

func (mc *modeChanges) add(plusMinus, flag byte) {
	if mc.sign != plusMinus {
		mc.flags.WriteByte(plusMinus)
		mc.sign = plusMinus
	}
	mc.flags.WriteByte(flag)
}

func (mc *modeChanges) addWithArg(plusMinus, flag byte, arg string) {
	mc.add(plusMinus, flag)
	mc.args = append(mc.args, arg)
}

func (mc *modeChanges) String() string {
	return mc.flags.String()
}
