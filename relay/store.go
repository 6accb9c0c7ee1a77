package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrNotFound = errors.New("not found")

// a mutation observed on a store collection. `Doc` carries the typed
// document, except for a tab delete which carries only the tab `Id`.
type Change struct {
	Collection Collection
	Op         Op
	Doc        any
}

// one tab's event visibility. a channel tab matches its literal target,
// a network tab matches the synthetic target `*`, and a query tab also
// matches events addressed to the network's own nick whose sender
// nickname matches the target as a case-insensitive pattern.
type EventScope struct {
	Network     string
	Target      string
	NickPattern string
	NickTarget  string
}

func (self *EventScope) Matches(event *Event) bool {
	if self.Network != "" && event.Network != self.Network {
		return false
	}
	if self.Target == "" && self.NickPattern == "" {
		return true
	}
	if self.Target != "" && event.Target == self.Target {
		return true
	}
	if self.NickPattern != "" && event.Target == self.NickTarget {
		nickname := strings.ToLower(event.Message.Nickname)
		return strings.Contains(nickname, strings.ToLower(self.NickPattern))
	}
	return false
}

type EventFilter struct {
	// zero means any user. the dispatcher always sets this for
	// client-driven queries.
	User Id
	// or'd together. empty means no scope constraint.
	Scopes []EventScope
	// if non-empty the event id must be in the set
	Ids []Id
	// empty means any event type
	Type      string
	Read      *bool
	Highlight *bool
}

func (self *EventFilter) Matches(event *Event) bool {
	if (self.User != Id{}) {
		if event.User == nil || *event.User != self.User {
			return false
		}
	}
	if self.Type != "" && event.Type != self.Type {
		return false
	}
	if self.Read != nil && event.Read != *self.Read {
		return false
	}
	if self.Highlight != nil && event.Extra.Highlight != *self.Highlight {
		return false
	}
	if 0 < len(self.Ids) {
		found := false
		for _, id := range self.Ids {
			if event.Id == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if 0 < len(self.Scopes) {
		for i := range self.Scopes {
			if self.Scopes[i].Matches(event) {
				return true
			}
		}
		return false
	}
	return true
}

type ChannelScope struct {
	Network string
	Channel string
}

type CommandScope struct {
	Network Id
	Target  string
}

// client-tunable per-tab settings. nil means leave unchanged.
type TabSettings struct {
	HiddenUsers  *bool
	HiddenEvents *bool
}

type Store interface {
	InsertUser(ctx context.Context, user *User) error
	UserById(ctx context.Context, userId Id) (*User, error)
	UserByToken(ctx context.Context, token string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	// best-effort presence write after a burst
	UpdateUserPresence(ctx context.Context, userId Id, lastSeen time.Time, selectedTab string) error
	SelectTab(ctx context.Context, userId Id, tabUrl string) error

	NetworksForUser(ctx context.Context, userId Id) ([]*Network, error)
	NetworkById(ctx context.Context, networkId Id) (*Network, error)
	InsertNetwork(ctx context.Context, network *Network) error
	UpdateNetwork(ctx context.Context, network *Network) error
	DeleteNetwork(ctx context.Context, networkId Id) error

	TabsForUser(ctx context.Context, userId Id) ([]*Tab, error)
	TabByTarget(ctx context.Context, userId Id, networkName string, target string) (*Tab, error)
	InsertTab(ctx context.Context, tab *Tab) error
	UpdateTabSettings(ctx context.Context, tabId Id, userId Id, settings TabSettings) error
	DeleteTab(ctx context.Context, tabId Id) error

	// most recent first by message time. limit <= 0 means unlimited.
	Events(ctx context.Context, filter EventFilter, limit int) ([]*Event, error)
	CountEvents(ctx context.Context, filter EventFilter) (int, error)
	InsertEvent(ctx context.Context, event *Event) error
	MarkEventsRead(ctx context.Context, filter EventFilter, read bool) error

	InsertCommand(ctx context.Context, command *Command) error
	BacklogCommands(ctx context.Context, userId Id, scopes []CommandScope) ([]*Command, error)

	ChannelUsersIn(ctx context.Context, scopes []ChannelScope) ([]*ChannelUser, error)
	InsertChannelUser(ctx context.Context, channelUser *ChannelUser) error
	UpdateChannelUser(ctx context.Context, channelUser *ChannelUser) error
	DeleteChannelUser(ctx context.Context, channelUserId Id) error

	// change notifications for every mutation, in mutation order.
	// the returned cancel detaches the subscriber.
	Subscribe() (<-chan Change, func())
}

const changeFeedBufferSize = 1024

// fanout hub for store change notifications, shared by the store
// implementations. publish never blocks the mutating caller. a
// subscriber that falls more than the buffer behind loses changes,
// which is acceptable for live fanout since offline clients catch up
// via the next burst.
type changeFeed struct {
	stateLock sync.Mutex
	subs      map[int]chan Change
	nextSubId int
}

func newChangeFeed() *changeFeed {
	return &changeFeed{
		subs: map[int]chan Change{},
	}
}

func (self *changeFeed) Subscribe() (<-chan Change, func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subId := self.nextSubId
	self.nextSubId += 1
	sub := make(chan Change, changeFeedBufferSize)
	self.subs[subId] = sub

	unsub := func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if sub, ok := self.subs[subId]; ok {
			delete(self.subs, subId)
			close(sub)
		}
	}
	return sub, unsub
}

func (self *changeFeed) Publish(change Change) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, sub := range self.subs {
		select {
		case sub <- change:
		default:
			glog.Infof("[feed]drop %s %s\n", change.Collection, change.Op)
		}
	}
}

func (self *changeFeed) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for subId, sub := range self.subs {
		delete(self.subs, subId)
		close(sub)
	}
}
