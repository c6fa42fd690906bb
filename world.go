package malefirc

import (
	"sort"
	"sync"

	"gopkg.in/irc.v4"

	"github.com/OmyDaGreat/malefirc/xirc"
)

// World is the process-wide registry of connected users and active
// channels. Nick and channel keys are casemapped. The registry lock is
// never acquired while a channel lock is held; when both are needed, the
// registry is taken first, then the channel.
type World struct {
	lock     sync.RWMutex
	nicks    map[string]*downstreamConn
	channels map[string]*Channel
}

func NewWorld() *World {
	return &World{
		nicks:    make(map[string]*downstreamConn),
		channels: make(map[string]*Channel),
	}
}

func (w *World) GetUser(nick string) *downstreamConn {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.nicks[xirc.CasemapASCII(nick)]
}

// ClaimNick atomically registers the nickname for dc. It reports false when
// another connection already owns it.
func (w *World) ClaimNick(dc *downstreamConn, nick string) bool {
	key := xirc.CasemapASCII(nick)

	w.lock.Lock()
	defer w.lock.Unlock()

	if other, ok := w.nicks[key]; ok && other != dc {
		return false
	}
	w.nicks[key] = dc
	return true
}

// RenameNick atomically moves dc from oldNick to newNick. It reports false
// (and changes nothing) when newNick is taken by another connection.
func (w *World) RenameNick(dc *downstreamConn, oldNick, newNick string) bool {
	oldKey := xirc.CasemapASCII(oldNick)
	newKey := xirc.CasemapASCII(newNick)

	w.lock.Lock()
	defer w.lock.Unlock()

	if other, ok := w.nicks[newKey]; ok && other != dc {
		return false
	}
	if w.nicks[oldKey] == dc {
		delete(w.nicks, oldKey)
	}
	w.nicks[newKey] = dc
	return true
}

func (w *World) ReleaseNick(dc *downstreamConn, nick string) {
	key := xirc.CasemapASCII(nick)

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.nicks[key] == dc {
		delete(w.nicks, key)
	}
}

func (w *World) GetChannel(name string) *Channel {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.channels[xirc.CasemapASCII(name)]
}

func (w *World) GetOrCreateChannel(name string) *Channel {
	key := xirc.CasemapASCII(name)

	w.lock.Lock()
	defer w.lock.Unlock()

	ch, ok := w.channels[key]
	if !ok {
		ch = newChannel(name)
		w.channels[key] = ch
	}
	return ch
}

// DropChannelIfEmpty destroys the channel once its last member is gone. The
// check runs under both the registry and the channel lock so that a
// concurrent join either sees the channel alive or creates a fresh one.
func (w *World) DropChannelIfEmpty(name string) {
	key := xirc.CasemapASCII(name)

	w.lock.Lock()
	defer w.lock.Unlock()

	ch, ok := w.channels[key]
	if !ok {
		return
	}
	ch.lock.Lock()
	if len(ch.members) == 0 {
		ch.dead = true
		delete(w.channels, key)
	}
	ch.lock.Unlock()
}

// Channels lists the active channels sorted by name.
func (w *World) Channels() []*Channel {
	w.lock.RLock()
	defer w.lock.RUnlock()

	l := make([]*Channel, 0, len(w.channels))
	for _, ch := range w.channels {
		l = append(l, ch)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].Name < l[j].Name })
	return l
}

// Channel holds the state of one active channel. All fields below the lock
// are guarded by it; multi-step handler operations hold the lock across the
// whole check-mutate-broadcast sequence so they appear atomic to other
// members.
type Channel struct {
	Name string

	lock      sync.Mutex
	dead      bool // destroyed and removed from the registry
	members   map[string]*downstreamConn
	order     []string // casemapped nicks in insertion order
	topic     string
	modes     modeSet
	key       string
	userLimit int
	operators map[string]struct{}
	voiced    map[string]struct{}
	bans      []string
	invites   map[string]struct{}
}

func newChannel(name string) *Channel {
	return &Channel{
		Name:      name,
		members:   make(map[string]*downstreamConn),
		operators: make(map[string]struct{}),
		voiced:    make(map[string]struct{}),
		invites:   make(map[string]struct{}),
	}
}

// The helpers below expect ch.lock to be held.

func (ch *Channel) hasMember(nick string) bool {
	_, ok := ch.members[xirc.CasemapASCII(nick)]
	return ok
}

func (ch *Channel) addMember(dc *downstreamConn) {
	key := xirc.CasemapASCII(dc.nick)
	if _, ok := ch.members[key]; ok {
		return
	}
	ch.members[key] = dc
	ch.order = append(ch.order, key)
}

func (ch *Channel) removeMember(nick string) {
	key := xirc.CasemapASCII(nick)
	if _, ok := ch.members[key]; !ok {
		return
	}
	delete(ch.members, key)
	delete(ch.operators, key)
	delete(ch.voiced, key)
	for i, k := range ch.order {
		if k == key {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			break
		}
	}
}

// renameMember keeps the membership maps in sync with a nick change.
func (ch *Channel) renameMember(oldNick, newNick string) {
	oldKey := xirc.CasemapASCII(oldNick)
	newKey := xirc.CasemapASCII(newNick)

	dc, ok := ch.members[oldKey]
	if !ok {
		return
	}
	delete(ch.members, oldKey)
	ch.members[newKey] = dc
	for i, k := range ch.order {
		if k == oldKey {
			ch.order[i] = newKey
			break
		}
	}
	if _, ok := ch.operators[oldKey]; ok {
		delete(ch.operators, oldKey)
		ch.operators[newKey] = struct{}{}
	}
	if _, ok := ch.voiced[oldKey]; ok {
		delete(ch.voiced, oldKey)
		ch.voiced[newKey] = struct{}{}
	}
	if _, ok := ch.invites[oldKey]; ok {
		delete(ch.invites, oldKey)
		ch.invites[newKey] = struct{}{}
	}
}

func (ch *Channel) isOperator(nick string) bool {
	_, ok := ch.operators[xirc.CasemapASCII(nick)]
	return ok
}

func (ch *Channel) isVoiced(nick string) bool {
	_, ok := ch.voiced[xirc.CasemapASCII(nick)]
	return ok
}

func (ch *Channel) isInvited(nick string) bool {
	_, ok := ch.invites[xirc.CasemapASCII(nick)]
	return ok
}

func (ch *Channel) isBanned(mask string) bool {
	for _, ban := range ch.bans {
		if xirc.MatchMask(ban, mask) {
			return true
		}
	}
	return false
}

// membersInOrder returns the member connections in insertion order.
func (ch *Channel) membersInOrder() []*downstreamConn {
	l := make([]*downstreamConn, 0, len(ch.order))
	for _, key := range ch.order {
		l = append(l, ch.members[key])
	}
	return l
}

// memberNames renders the member nicks in insertion order with their @ and +
// prefixes, for 353 replies.
func (ch *Channel) memberNames() []string {
	names := make([]string, 0, len(ch.order))
	for _, key := range ch.order {
		dc := ch.members[key]
		switch {
		case ch.isOperator(dc.nick):
			names = append(names, "@"+dc.nick)
		case ch.isVoiced(dc.nick):
			names = append(names, "+"+dc.nick)
		default:
			names = append(names, dc.nick)
		}
	}
	return names
}

// broadcast queues msg on every member connection, optionally skipping one.
func (ch *Channel) broadcast(msg *irc.Message, except *downstreamConn) {
	for _, key := range ch.order {
		dc := ch.members[key]
		if dc == except {
			continue
		}
		dc.SendMessage(msg)
	}
}
