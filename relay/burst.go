package relay

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
)

type BurstSettings struct {
	// most recent events per tab
	EventLimit int
	// budget for the async presence write after the send
	PresenceWriteTimeout time.Duration
}

func DefaultBurstSettings() *BurstSettings {
	return &BurstSettings{
		EventLimit:           50,
		PresenceWriteTimeout: 5 * time.Second,
	}
}

// computes one consistent snapshot for a newly authenticated connection
// and pushes it as a unit. any store read failure aborts the whole
// burst; a partial payload is never sent.
type BurstSynchronizer struct {
	store    Store
	registry *ConnectionRegistry
	settings *BurstSettings
}

func NewBurstSynchronizerWithDefaults(store Store, registry *ConnectionRegistry) *BurstSynchronizer {
	return NewBurstSynchronizer(store, registry, DefaultBurstSettings())
}

func NewBurstSynchronizer(store Store, registry *ConnectionRegistry, settings *BurstSettings) *BurstSynchronizer {
	return &BurstSynchronizer{
		store:    store,
		registry: registry,
		settings: settings,
	}
}

type networkInfo struct {
	name string
	nick string
}

func (self *BurstSynchronizer) Sync(ctx context.Context, conn *Conn, user *User) error {
	networks, err := self.store.NetworksForUser(ctx, user.Id)
	if err != nil {
		return err
	}
	tabs, err := self.store.TabsForUser(ctx, user.Id)
	if err != nil {
		return err
	}

	networkInfos := map[Id]networkInfo{}
	for _, network := range networks {
		networkInfos[network.Id] = networkInfo{
			name: network.Name,
			nick: strings.ToLower(network.Nick),
		}
	}

	// reassign the selected tab when it no longer matches an open tab.
	// first by store return order, stable.
	selectedOk := false
	for _, tab := range tabs {
		if tab.Url == user.SelectedTab {
			selectedOk = true
			break
		}
	}
	if !selectedOk {
		if 0 < len(tabs) {
			user.SelectedTab = tabs[0].Url
		} else {
			user.SelectedTab = ""
		}
	}

	events := []*Event{}
	seenEvents := map[Id]bool{}
	channelScopes := []ChannelScope{}
	commandScopes := []CommandScope{}

	readFalse := false
	highlightTrue := true

	for _, tab := range tabs {
		info, ok := networkInfos[tab.Network]
		if !ok {
			// a tab must resolve to a network owned by the same user
			glog.V(1).Infof("[b]stale tab %s %s\n", tab.Id, tab.Url)
			continue
		}

		channelScopes = append(channelScopes, ChannelScope{
			Network: info.name,
			Channel: tab.Target,
		})
		commandScopes = append(commandScopes, CommandScope{
			Network: tab.Network,
			Target:  tab.Target,
		})

		scopes := []EventScope{tabEventScope(tab, info)}

		tabEvents, err := self.store.Events(ctx, EventFilter{
			User:   user.Id,
			Scopes: scopes,
		}, self.settings.EventLimit)
		if err != nil {
			return err
		}
		unread, err := self.store.CountEvents(ctx, EventFilter{
			User:   user.Id,
			Scopes: scopes,
			Read:   &readFalse,
		})
		if err != nil {
			return err
		}
		highlights, err := self.store.CountEvents(ctx, EventFilter{
			User:      user.Id,
			Scopes:    scopes,
			Read:      &readFalse,
			Highlight: &highlightTrue,
		})
		if err != nil {
			return err
		}

		// computed counts live on the in-memory copy only
		tab.Unread = unread
		tab.Highlights = highlights

		for _, event := range tabEvents {
			if !seenEvents[event.Id] {
				seenEvents[event.Id] = true
				events = append(events, RedactEvent(event))
			}
		}
	}

	// scope the channel user and backlog fetches to the open tabs. with
	// no tabs there is nothing to scope by, so skip the queries instead
	// of issuing unbounded ones.
	channelUsers := []*ChannelUser{}
	commands := []*Command{}
	if 0 < len(tabs) {
		channelUsers, err = self.store.ChannelUsersIn(ctx, channelScopes)
		if err != nil {
			return err
		}
		for i := range channelUsers {
			channelUsers[i] = RedactChannelUser(channelUsers[i])
		}
		commands, err = self.store.BacklogCommands(ctx, user.Id, commandScopes)
		if err != nil {
			return err
		}
	}

	self.registry.SetTabs(conn, tabs)

	conn.Send(&Message{
		Event: MsgBurst,
		Data: &BurstPayload{
			Users:        []*User{RedactUser(user)},
			Networks:     networks,
			Tabs:         tabs,
			ChannelUsers: channelUsers,
			Events:       events,
			Commands:     commands,
			BurstEnd:     true,
		},
	})

	// record presence after the send. this write must never block or
	// fail the burst.
	userId := user.Id
	selectedTab := user.SelectedTab
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), self.settings.PresenceWriteTimeout)
		defer cancel()
		if err := self.store.UpdateUserPresence(writeCtx, userId, time.Now(), selectedTab); err != nil {
			glog.V(1).Infof("[b]presence write error %s = %s\n", userId, err)
		}
	}()

	return nil
}

func tabEventScope(tab *Tab, info networkInfo) EventScope {
	switch tab.Type {
	case TabTypeQuery:
		return EventScope{
			Network:     info.name,
			Target:      tab.Target,
			NickPattern: tab.Target,
			NickTarget:  info.nick,
		}
	case TabTypeNetwork:
		return EventScope{
			Network: info.name,
			Target:  "*",
		}
	default:
		return EventScope{
			Network: info.name,
			Target:  tab.Target,
		}
	}
}
