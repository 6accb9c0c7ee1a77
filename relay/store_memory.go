package relay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// in-memory store. the reference implementation for the query and change
// feed semantics, used by tests and by `relayd --store=memory`.
type MemoryStore struct {
	stateLock sync.Mutex

	users            map[Id]*User
	userOrder        []Id
	networks         map[Id]*Network
	networkOrder     []Id
	tabs             map[Id]*Tab
	tabOrder         []Id
	events           []*Event
	commands         []*Command
	channelUsers     map[Id]*ChannelUser
	channelUserOrder []Id

	feed *changeFeed
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        map[Id]*User{},
		networks:     map[Id]*Network{},
		tabs:         map[Id]*Tab{},
		channelUsers: map[Id]*ChannelUser{},
		feed:         newChangeFeed(),
	}
}

func (self *MemoryStore) Subscribe() (<-chan Change, func()) {
	return self.feed.Subscribe()
}

func (self *MemoryStore) Close() {
	self.feed.Close()
}

// users

func (self *MemoryStore) InsertUser(ctx context.Context, user *User) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.users[user.Id]; !ok {
		self.userOrder = append(self.userOrder, user.Id)
	}
	self.users[user.Id] = user.Copy()
	self.feed.Publish(Change{CollectionUsers, OpInsert, user.Copy()})
	return nil
}

func (self *MemoryStore) UserById(ctx context.Context, userId Id) (*User, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return nil, ErrNotFound
	}
	return user.Copy(), nil
}

func (self *MemoryStore) UserByToken(ctx context.Context, token string) (*User, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	for _, userId := range self.userOrder {
		user := self.users[userId]
		if expires, ok := user.Tokens[token]; ok && now.Before(expires) {
			return user.Copy(), nil
		}
	}
	return nil, ErrNotFound
}

func (self *MemoryStore) UpdateUser(ctx context.Context, user *User) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.users[user.Id]; !ok {
		return ErrNotFound
	}
	self.users[user.Id] = user.Copy()
	self.feed.Publish(Change{CollectionUsers, OpUpdate, user.Copy()})
	return nil
}

func (self *MemoryStore) UpdateUserPresence(ctx context.Context, userId Id, lastSeen time.Time, selectedTab string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return ErrNotFound
	}
	user.LastSeen = &lastSeen
	if selectedTab != "" {
		user.SelectedTab = selectedTab
	}
	self.feed.Publish(Change{CollectionUsers, OpUpdate, user.Copy()})
	return nil
}

func (self *MemoryStore) SelectTab(ctx context.Context, userId Id, tabUrl string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return ErrNotFound
	}
	user.SelectedTab = tabUrl
	self.feed.Publish(Change{CollectionUsers, OpUpdate, user.Copy()})
	return nil
}

// networks

func (self *MemoryStore) NetworksForUser(ctx context.Context, userId Id) ([]*Network, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	networks := []*Network{}
	for _, networkId := range self.networkOrder {
		network := self.networks[networkId]
		if network.Internal.UserId == userId {
			networks = append(networks, network.Copy())
		}
	}
	return networks, nil
}

func (self *MemoryStore) NetworkById(ctx context.Context, networkId Id) (*Network, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	network, ok := self.networks[networkId]
	if !ok {
		return nil, ErrNotFound
	}
	return network.Copy(), nil
}

func (self *MemoryStore) InsertNetwork(ctx context.Context, network *Network) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.networks[network.Id]; !ok {
		self.networkOrder = append(self.networkOrder, network.Id)
	}
	self.networks[network.Id] = network.Copy()
	self.feed.Publish(Change{CollectionNetworks, OpInsert, network.Copy()})
	return nil
}

func (self *MemoryStore) UpdateNetwork(ctx context.Context, network *Network) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.networks[network.Id]; !ok {
		return ErrNotFound
	}
	self.networks[network.Id] = network.Copy()
	self.feed.Publish(Change{CollectionNetworks, OpUpdate, network.Copy()})
	return nil
}

func (self *MemoryStore) DeleteNetwork(ctx context.Context, networkId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	network, ok := self.networks[networkId]
	if !ok {
		return ErrNotFound
	}
	delete(self.networks, networkId)
	self.networkOrder = removeId(self.networkOrder, networkId)
	self.feed.Publish(Change{CollectionNetworks, OpDelete, network.Copy()})
	return nil
}

// tabs

func (self *MemoryStore) TabsForUser(ctx context.Context, userId Id) ([]*Tab, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tabs := []*Tab{}
	for _, tabId := range self.tabOrder {
		tab := self.tabs[tabId]
		if tab.User == userId {
			tabs = append(tabs, tab.Copy())
		}
	}
	return tabs, nil
}

func (self *MemoryStore) TabByTarget(ctx context.Context, userId Id, networkName string, target string) (*Tab, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, tabId := range self.tabOrder {
		tab := self.tabs[tabId]
		if tab.User == userId && tab.NetworkName == networkName && tab.Target == target {
			return tab.Copy(), nil
		}
	}
	return nil, ErrNotFound
}

func (self *MemoryStore) InsertTab(ctx context.Context, tab *Tab) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.tabs[tab.Id]; !ok {
		self.tabOrder = append(self.tabOrder, tab.Id)
	}
	self.tabs[tab.Id] = tab.Copy()
	self.feed.Publish(Change{CollectionTabs, OpInsert, tab.Copy()})
	return nil
}

func (self *MemoryStore) UpdateTabSettings(ctx context.Context, tabId Id, userId Id, settings TabSettings) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tab, ok := self.tabs[tabId]
	if !ok || tab.User != userId {
		// not distinguishing "doesn't exist" from "not yours"
		return ErrNotFound
	}
	if settings.HiddenUsers != nil {
		tab.HiddenUsers = *settings.HiddenUsers
	}
	if settings.HiddenEvents != nil {
		tab.HiddenEvents = *settings.HiddenEvents
	}
	self.feed.Publish(Change{CollectionTabs, OpUpdate, tab.Copy()})
	return nil
}

func (self *MemoryStore) DeleteTab(ctx context.Context, tabId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.tabs[tabId]; !ok {
		return ErrNotFound
	}
	delete(self.tabs, tabId)
	self.tabOrder = removeId(self.tabOrder, tabId)
	// a tab delete notification carries only the id
	self.feed.Publish(Change{CollectionTabs, OpDelete, tabId})
	return nil
}

// events

func (self *MemoryStore) Events(ctx context.Context, filter EventFilter, limit int) ([]*Event, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	events := []*Event{}
	for _, event := range self.events {
		if filter.Matches(event) {
			events = append(events, event.Copy())
		}
	}
	sortEventsByTimeDesc(events)
	if 0 < limit && limit < len(events) {
		events = events[:limit]
	}
	return events, nil
}

func (self *MemoryStore) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, event := range self.events {
		if filter.Matches(event) {
			count += 1
		}
	}
	return count, nil
}

func (self *MemoryStore) InsertEvent(ctx context.Context, event *Event) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.events = append(self.events, event.Copy())
	self.feed.Publish(Change{CollectionEvents, OpInsert, event.Copy()})
	return nil
}

func (self *MemoryStore) MarkEventsRead(ctx context.Context, filter EventFilter, read bool) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, event := range self.events {
		if filter.Matches(event) {
			event.Read = read
		}
	}
	return nil
}

// commands

func (self *MemoryStore) InsertCommand(ctx context.Context, command *Command) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.commands = append(self.commands, command.Copy())
	self.feed.Publish(Change{CollectionCommands, OpInsert, command.Copy()})
	return nil
}

func (self *MemoryStore) BacklogCommands(ctx context.Context, userId Id, scopes []CommandScope) ([]*Command, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	commands := []*Command{}
	for _, command := range self.commands {
		if command.User != userId || !command.Backlog {
			continue
		}
		for _, scope := range scopes {
			if command.Network == scope.Network && command.Target == scope.Target {
				commands = append(commands, command.Copy())
				break
			}
		}
	}
	return commands, nil
}

// channel users

func (self *MemoryStore) ChannelUsersIn(ctx context.Context, scopes []ChannelScope) ([]*ChannelUser, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channelUsers := []*ChannelUser{}
	for _, channelUserId := range self.channelUserOrder {
		channelUser := self.channelUsers[channelUserId]
		for _, scope := range scopes {
			if channelUser.Network == scope.Network && channelUser.Channel == scope.Channel {
				channelUsers = append(channelUsers, channelUser.Copy())
				break
			}
		}
	}
	return channelUsers, nil
}

func (self *MemoryStore) InsertChannelUser(ctx context.Context, channelUser *ChannelUser) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.channelUsers[channelUser.Id]; !ok {
		self.channelUserOrder = append(self.channelUserOrder, channelUser.Id)
	}
	self.channelUsers[channelUser.Id] = channelUser.Copy()
	self.feed.Publish(Change{CollectionChannelUsers, OpInsert, channelUser.Copy()})
	return nil
}

func (self *MemoryStore) UpdateChannelUser(ctx context.Context, channelUser *ChannelUser) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.channelUsers[channelUser.Id]; !ok {
		return ErrNotFound
	}
	self.channelUsers[channelUser.Id] = channelUser.Copy()
	self.feed.Publish(Change{CollectionChannelUsers, OpUpdate, channelUser.Copy()})
	return nil
}

func (self *MemoryStore) DeleteChannelUser(ctx context.Context, channelUserId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channelUser, ok := self.channelUsers[channelUserId]
	if !ok {
		return ErrNotFound
	}
	delete(self.channelUsers, channelUserId)
	self.channelUserOrder = removeId(self.channelUserOrder, channelUserId)
	self.feed.Publish(Change{CollectionChannelUsers, OpDelete, channelUser.Copy()})
	return nil
}

func removeId(ids []Id, id Id) []Id {
	for i := range ids {
		if ids[i] == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func sortEventsByTimeDesc(events []*Event) {
	sort.SliceStable(events, func(i int, j int) bool {
		return events[j].Message.Time.Before(events[i].Message.Time)
	})
}
