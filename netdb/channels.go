package netdb

import (
	"fmt"
	"sort"

	"ircnet/irc"
)

func (db *DB) Channel(name string) (Channel, bool) {
	db.channelsMu.RLock()
	defer db.channelsMu.RUnlock()
	ch, ok := db.channels[irc.Fold(name)]
	if !ok {
		return Channel{}, false
	}
	return ch.clone(), true
}

// Channels returns every channel sorted by folded name.
func (db *DB) Channels() []Channel {
	db.channelsMu.RLock()
	defer db.channelsMu.RUnlock()
	out := make([]Channel, 0, len(db.channels))
	for _, ch := range db.channels {
		out = append(out, ch.clone())
	}
	sort.Slice(out, func(i, j int) bool { return irc.Fold(out[i].Name) < irc.Fold(out[j].Name) })
	return out
}

func (db *DB) ChannelCount() int {
	db.channelsMu.RLock()
	defer db.channelsMu.RUnlock()
	return len(db.channels)
}

// Join adds uid to a channel, creating it with ts when it does not exist.
// A join carrying an older TS than the channel's lowers the TS and clears
// modes and statuses, since the other side's view of the channel wins.
func (db *DB) Join(uid, name string, ts int64, flags MemberFlags) (created bool, err error) {
	db.usersMu.Lock()
	defer db.usersMu.Unlock()
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()

	u, ok := db.users[uid]
	if !ok {
		return false, fmt.Errorf("%s: %w", uid, ErrNoSuchUser)
	}
	key := irc.Fold(name)
	ch, ok := db.channels[key]
	if !ok {
		ch = &Channel{Name: name, TS: ts, Members: make(map[string]MemberFlags)}
		db.channels[key] = ch
		created = true
	} else {
		if ts > 0 && ts < ch.TS {
			ch.TS = ts
			resetChannelLocked(ch)
		}
		flags = 0
	}
	ch.Members[uid] |= flags
	u.Channels[key] = struct{}{}
	return created, nil
}

// Part removes uid from a channel. The channel is destroyed when it empties.
func (db *DB) Part(uid, name string) (destroyed bool, err error) {
	db.usersMu.Lock()
	defer db.usersMu.Unlock()
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()

	u, ok := db.users[uid]
	if !ok {
		return false, fmt.Errorf("%s: %w", uid, ErrNoSuchUser)
	}
	key := irc.Fold(name)
	ch, ok := db.channels[key]
	if !ok {
		return false, fmt.Errorf("%s: %w", name, ErrNoSuchChannel)
	}
	if _, member := ch.Members[uid]; !member {
		return false, fmt.Errorf("%s on %s: %w", uid, name, ErrNotOnChannel)
	}
	delete(ch.Members, uid)
	delete(u.Channels, key)
	if len(ch.Members) == 0 {
		delete(db.channels, key)
		return true, nil
	}
	return false, nil
}

// SetTopic replaces a channel topic unconditionally.
func (db *DB) SetTopic(name, topic, setter string, ts int64) error {
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()
	ch, ok := db.channels[irc.Fold(name)]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoSuchChannel)
	}
	ch.Topic, ch.TopicSetter, ch.TopicTS = topic, setter, ts
	return nil
}

// BurstTopic applies a topic received during burst. It is accepted when we
// have no topic or when the burst topic is older than ours.
func (db *DB) BurstTopic(name, topic, setter string, ts int64) (bool, error) {
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()
	ch, ok := db.channels[irc.Fold(name)]
	if !ok {
		return false, fmt.Errorf("%s: %w", name, ErrNoSuchChannel)
	}
	if ch.Topic != "" && ts >= ch.TopicTS {
		return false, nil
	}
	ch.Topic, ch.TopicSetter, ch.TopicTS = topic, setter, ts
	return true, nil
}

// ApplyChannelModes applies a TMODE. It is ignored when ts is newer than the
// channel, which means the sender has not yet seen our older channel.
func (db *DB) ApplyChannelModes(name string, ts int64, modestr string, args []string) (bool, error) {
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()
	ch, ok := db.channels[irc.Fold(name)]
	if !ok {
		return false, fmt.Errorf("%s: %w", name, ErrNoSuchChannel)
	}
	if ts > ch.TS {
		return false, nil
	}
	applyChannelModes(ch, modestr, args)
	return true, nil
}

// MergeResult reports what MergeChannel did.
type MergeResult struct {
	Created bool
	// KeptTheirs is false when the incoming TS was newer than ours; their
	// modes and member statuses were dropped.
	KeptTheirs bool
	// Lowered is set when our TS lost and our modes and statuses were wiped.
	Lowered bool
	// Accepted lists every known member of the SJOIN with the flags that
	// were kept; Joined is the subset that was not already on the channel.
	Accepted []Member
	Joined   []Member
	Unknown  []string
}

// MergeChannel applies an SJOIN. Lower TS wins: if theirs is lower we wipe
// our modes, statuses and masks and take theirs; equal TS merges both; if
// theirs is higher their members join without status and their modes are
// ignored. Members already present are merged, so replay is harmless.
func (db *DB) MergeChannel(name string, ts int64, modestr string, args []string, members []Member) (MergeResult, error) {
	db.usersMu.Lock()
	defer db.usersMu.Unlock()
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()

	var res MergeResult
	key := irc.Fold(name)
	ch, ok := db.channels[key]
	switch {
	case !ok:
		ch = &Channel{Name: name, TS: ts, Members: make(map[string]MemberFlags)}
		db.channels[key] = ch
		res.Created, res.KeptTheirs = true, true
	case ts < ch.TS:
		ch.TS = ts
		resetChannelLocked(ch)
		ch.Bans, ch.Excepts, ch.Invex = nil, nil, nil
		res.Lowered, res.KeptTheirs = true, true
	case ts == ch.TS:
		res.KeptTheirs = true
	}

	if res.KeptTheirs {
		applyChannelModes(ch, modestr, args)
	}
	for _, m := range members {
		u, ok := db.users[m.UID]
		if !ok {
			res.Unknown = append(res.Unknown, m.UID)
			continue
		}
		flags := m.Flags
		if !res.KeptTheirs {
			flags = 0
		}
		res.Accepted = append(res.Accepted, Member{UID: m.UID, Flags: flags})
		if _, member := ch.Members[m.UID]; member {
			ch.Members[m.UID] |= flags
			continue
		}
		ch.Members[m.UID] = flags
		u.Channels[key] = struct{}{}
		res.Joined = append(res.Joined, Member{UID: m.UID, Flags: flags})
	}
	if len(ch.Members) == 0 {
		delete(db.channels, key)
	}
	return res, nil
}

// AddMasks adds list-mode masks (kind b, e or I) received from a peer with
// the sender's channel TS. Masks from a newer channel are ignored.
func (db *DB) AddMasks(name string, ts int64, kind byte, masks []string) ([]string, error) {
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()
	ch, ok := db.channels[irc.Fold(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoSuchChannel)
	}
	if ts > ch.TS {
		return nil, nil
	}
	list := ch.maskList(kind)
	var added []string
	for _, m := range masks {
		before := len(*list)
		*list = addMask(*list, m)
		if len(*list) > before {
			added = append(added, m)
		}
	}
	return added, nil
}

func resetChannelLocked(ch *Channel) {
	ch.Modes, ch.Key, ch.Limit = "", "", 0
	for uid := range ch.Members {
		ch.Members[uid] = 0
	}
}
