package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestSqliteStore(t *testing.T) *SqliteStore {
	store, err := NewSqliteStore(filepath.Join(t.TempDir(), "relay.db"))
	assert.Equal(t, nil, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSqliteStoreUsers(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t)

	user := &User{
		Id:   NewId(),
		Name: "alice",
		Tokens: map[string]time.Time{
			"alice-token":   time.Now().Add(time.Hour),
			"expired-token": time.Now().Add(-time.Hour),
		},
	}
	assert.Equal(t, nil, store.InsertUser(ctx, user))

	found, err := store.UserById(ctx, user.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice", found.Name)

	found, err = store.UserByToken(ctx, "alice-token")
	assert.Equal(t, nil, err)
	assert.Equal(t, user.Id, found.Id)

	_, err = store.UserByToken(ctx, "expired-token")
	assert.Equal(t, ErrNotFound, err)

	assert.Equal(t, nil, store.SelectTab(ctx, user.Id, "freenode/#go"))
	found, err = store.UserById(ctx, user.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, "freenode/#go", found.SelectedTab)

	assert.Equal(t, nil, store.UpdateUserPresence(ctx, user.Id, time.Now(), ""))
	found, err = store.UserById(ctx, user.Id)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, found.LastSeen)
	// an empty selected tab leaves the current one alone
	assert.Equal(t, "freenode/#go", found.SelectedTab)

	_, err = store.UserById(ctx, NewId())
	assert.Equal(t, ErrNotFound, err)
}

func TestSqliteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t)

	userId := NewId()
	base := time.Now().Add(-time.Hour)

	var eventIds []Id
	for i := 0; i < 5; i += 1 {
		event := testEvent(userId, "freenode", "#go", base.Add(time.Duration(i)*time.Minute))
		eventIds = append(eventIds, event.Id)
		assert.Equal(t, nil, store.InsertEvent(ctx, event))
	}
	assert.Equal(t, nil, store.InsertEvent(ctx, testEvent(NewId(), "freenode", "#go", base)))

	events, err := store.Events(ctx, EventFilter{
		User: userId,
		Scopes: []EventScope{
			{Network: "freenode", Target: "#go"},
		},
	}, 3)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(events))
	assert.Equal(t, eventIds[4], events[0].Id)
	assert.Equal(t, eventIds[3], events[1].Id)
	assert.Equal(t, eventIds[2], events[2].Id)

	count, err := store.CountEvents(ctx, EventFilter{User: userId})
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, count)

	err = store.MarkEventsRead(ctx, EventFilter{
		User: userId,
		Ids:  []Id{eventIds[0], eventIds[1]},
	}, true)
	assert.Equal(t, nil, err)

	readTrue := true
	count, err = store.CountEvents(ctx, EventFilter{Read: &readTrue})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, count)
}

func TestSqliteStoreTabs(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t)

	userId := NewId()
	tab := &Tab{
		Id:          NewId(),
		User:        userId,
		Network:     NewId(),
		NetworkName: "freenode",
		Type:        TabTypeChannel,
		Target:      "#go",
		Url:         "freenode/#go",
	}
	assert.Equal(t, nil, store.InsertTab(ctx, tab))

	found, err := store.TabByTarget(ctx, userId, "freenode", "#go")
	assert.Equal(t, nil, err)
	assert.Equal(t, tab.Id, found.Id)

	_, err = store.TabByTarget(ctx, NewId(), "freenode", "#go")
	assert.Equal(t, ErrNotFound, err)

	hidden := true
	err = store.UpdateTabSettings(ctx, tab.Id, NewId(), TabSettings{HiddenUsers: &hidden})
	assert.Equal(t, ErrNotFound, err)

	err = store.UpdateTabSettings(ctx, tab.Id, userId, TabSettings{HiddenUsers: &hidden})
	assert.Equal(t, nil, err)

	tabs, err := store.TabsForUser(ctx, userId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(tabs))
	assert.Equal(t, true, tabs[0].HiddenUsers)

	changes, unsub := store.Subscribe()
	defer unsub()

	assert.Equal(t, nil, store.DeleteTab(ctx, tab.Id))
	change := <-changes
	assert.Equal(t, CollectionTabs, change.Collection)
	assert.Equal(t, OpDelete, change.Op)
	assert.Equal(t, tab.Id, change.Doc.(Id))

	assert.Equal(t, ErrNotFound, store.DeleteTab(ctx, tab.Id))
}

func TestSqliteStoreNetworksAndCommands(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t)

	userId := NewId()
	network := &Network{
		Id:   NewId(),
		Name: "freenode",
		Nick: "alice",
		Internal: NetworkInternal{
			UserId: userId,
		},
	}
	assert.Equal(t, nil, store.InsertNetwork(ctx, network))

	networks, err := store.NetworksForUser(ctx, userId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(networks))

	network.Nick = "alice2"
	assert.Equal(t, nil, store.UpdateNetwork(ctx, network))
	found, err := store.NetworkById(ctx, network.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice2", found.Nick)

	assert.Equal(t, nil, store.InsertCommand(ctx, &Command{
		Id:        NewId(),
		User:      userId,
		Network:   network.Id,
		Target:    "#go",
		Command:   "/msg hi",
		Backlog:   true,
		Timestamp: time.Now().UnixMilli(),
	}))
	assert.Equal(t, nil, store.InsertCommand(ctx, &Command{
		Id:        NewId(),
		User:      userId,
		Network:   network.Id,
		Target:    "#go",
		Command:   "/whois carol",
		Backlog:   false,
		Timestamp: time.Now().UnixMilli(),
	}))

	commands, err := store.BacklogCommands(ctx, userId, []CommandScope{
		{Network: network.Id, Target: "#go"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(commands))
	assert.Equal(t, "/msg hi", commands[0].Command)

	assert.Equal(t, nil, store.DeleteNetwork(ctx, network.Id))
	_, err = store.NetworkById(ctx, network.Id)
	assert.Equal(t, ErrNotFound, err)
}

func TestSqliteStoreChannelUsers(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t)

	channelUser := &ChannelUser{
		Id:       NewId(),
		Nickname: "bob",
		Network:  "freenode",
		Channel:  "#go",
	}
	assert.Equal(t, nil, store.InsertChannelUser(ctx, channelUser))
	assert.Equal(t, nil, store.InsertChannelUser(ctx, &ChannelUser{
		Id:       NewId(),
		Nickname: "carol",
		Network:  "freenode",
		Channel:  "#rust",
	}))

	channelUsers, err := store.ChannelUsersIn(ctx, []ChannelScope{
		{Network: "freenode", Channel: "#go"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(channelUsers))
	assert.Equal(t, "bob", channelUsers[0].Nickname)

	channelUser.Prefix = "@"
	assert.Equal(t, nil, store.UpdateChannelUser(ctx, channelUser))

	assert.Equal(t, nil, store.DeleteChannelUser(ctx, channelUser.Id))
	assert.Equal(t, ErrNotFound, store.DeleteChannelUser(ctx, channelUser.Id))
}
