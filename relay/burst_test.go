package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// store wrapper whose event reads always fail
type eventsFailStore struct {
	Store
}

func (self *eventsFailStore) Events(ctx context.Context, filter EventFilter, limit int) ([]*Event, error) {
	return nil, errors.New("events unavailable")
}

type burstFixture struct {
	store    *MemoryStore
	registry *ConnectionRegistry
	burst    *BurstSynchronizer

	user    *User
	network *Network
}

func newBurstFixture(t *testing.T, ctx context.Context) *burstFixture {
	store := NewMemoryStore()
	registry := NewConnectionRegistry()

	user := &User{
		Id:   NewId(),
		Name: "alice",
		Tokens: map[string]time.Time{
			"alice-token": time.Now().Add(time.Hour),
		},
		Salt:     "salt",
		Password: "hash",
	}
	assert.Equal(t, nil, store.InsertUser(ctx, user))

	network := &Network{
		Id:   NewId(),
		Name: "freenode",
		Nick: "AliceNick",
		Internal: NetworkInternal{
			UserId: user.Id,
		},
	}
	assert.Equal(t, nil, store.InsertNetwork(ctx, network))

	return &burstFixture{
		store:    store,
		registry: registry,
		burst:    NewBurstSynchronizerWithDefaults(store, registry),
		user:     user,
		network:  network,
	}
}

func (self *burstFixture) addChannelTab(t *testing.T, ctx context.Context, target string) *Tab {
	tab := &Tab{
		Id:          NewId(),
		User:        self.user.Id,
		Network:     self.network.Id,
		NetworkName: self.network.Name,
		Type:        TabTypeChannel,
		Target:      target,
		Url:         self.network.Name + "/" + target,
		Active:      true,
	}
	assert.Equal(t, nil, self.store.InsertTab(ctx, tab))
	return tab
}

func TestBurstPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newBurstFixture(t, ctx)
	defer fixture.store.Close()
	fixture.addChannelTab(t, ctx, "#go")

	now := time.Now()
	unread := testEvent(fixture.user.Id, "freenode", "#go", now)
	read := testEvent(fixture.user.Id, "freenode", "#go", now.Add(-time.Minute))
	read.Read = true
	highlight := testEvent(fixture.user.Id, "freenode", "#go", now.Add(-2*time.Minute))
	highlight.Extra.Highlight = true
	offTab := testEvent(fixture.user.Id, "freenode", "#rust", now)
	assert.Equal(t, nil, fixture.store.InsertEvent(ctx, unread))
	assert.Equal(t, nil, fixture.store.InsertEvent(ctx, read))
	assert.Equal(t, nil, fixture.store.InsertEvent(ctx, highlight))
	assert.Equal(t, nil, fixture.store.InsertEvent(ctx, offTab))

	assert.Equal(t, nil, fixture.store.InsertChannelUser(ctx, &ChannelUser{
		Id:       NewId(),
		Nickname: "bob",
		Username: "bob",
		Hostname: "host.example",
		Network:  "freenode",
		Channel:  "#go",
	}))
	assert.Equal(t, nil, fixture.store.InsertCommand(ctx, &Command{
		Id:        NewId(),
		User:      fixture.user.Id,
		Network:   fixture.network.Id,
		Target:    "#go",
		Command:   "/msg sent earlier",
		Backlog:   true,
		Timestamp: now.UnixMilli(),
	}))

	conn, transport := newTestConn(ctx)
	defer conn.Close()
	conn.SetUserId(fixture.user.Id)
	fixture.registry.Register(fixture.user.Id, conn)

	assert.Equal(t, nil, fixture.burst.Sync(ctx, conn, fixture.user.Copy()))

	message := transport.nextMessageOf(t, MsgBurst)
	payload := message.Data.(*BurstPayload)
	assert.Equal(t, true, payload.BurstEnd)

	assert.Equal(t, 1, len(payload.Users))
	// credentials and presence never cross the socket boundary
	assert.Equal(t, "", payload.Users[0].Salt)
	assert.Equal(t, "", payload.Users[0].Password)
	assert.Equal(t, true, payload.Users[0].Tokens == nil)

	assert.Equal(t, 1, len(payload.Networks))
	assert.Equal(t, 1, len(payload.Tabs))
	assert.Equal(t, 2, payload.Tabs[0].Unread)
	assert.Equal(t, 1, payload.Tabs[0].Highlights)

	// only events visible on the open tab, sender-owner stripped
	assert.Equal(t, 3, len(payload.Events))
	for _, event := range payload.Events {
		assert.NotEqual(t, offTab.Id, event.Id)
		assert.Equal(t, true, event.User == nil)
	}

	assert.Equal(t, 1, len(payload.ChannelUsers))
	assert.Equal(t, "bob", payload.ChannelUsers[0].Nickname)
	assert.Equal(t, "", payload.ChannelUsers[0].Username)
	assert.Equal(t, "", payload.ChannelUsers[0].Hostname)

	assert.Equal(t, 1, len(payload.Commands))

	// the registry tab cache was seeded
	assert.Equal(t, 1, len(fixture.registry.ConnsForChannel("freenode", "#go")))

	// presence is written asynchronously after the send
	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := fixture.store.UserById(ctx, fixture.user.Id)
		assert.Equal(t, nil, err)
		if stored.LastSeen != nil {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatal("presence was not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBurstEventDedupe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newBurstFixture(t, ctx)
	defer fixture.store.Close()
	fixture.addChannelTab(t, ctx, "#go")

	// a network tab sees `*` events plus nothing else, but the same event
	// can be visible from two tabs when targets overlap. simulate with a
	// second tab on the same channel.
	fixture.addChannelTab(t, ctx, "#go")

	event := testEvent(fixture.user.Id, "freenode", "#go", time.Now())
	assert.Equal(t, nil, fixture.store.InsertEvent(ctx, event))

	conn, transport := newTestConn(ctx)
	defer conn.Close()
	conn.SetUserId(fixture.user.Id)
	fixture.registry.Register(fixture.user.Id, conn)

	assert.Equal(t, nil, fixture.burst.Sync(ctx, conn, fixture.user.Copy()))

	message := transport.nextMessageOf(t, MsgBurst)
	payload := message.Data.(*BurstPayload)
	assert.Equal(t, 1, len(payload.Events))
}

func TestBurstSelectedTabReassigned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newBurstFixture(t, ctx)
	defer fixture.store.Close()
	tab := fixture.addChannelTab(t, ctx, "#go")

	conn, transport := newTestConn(ctx)
	defer conn.Close()
	conn.SetUserId(fixture.user.Id)
	fixture.registry.Register(fixture.user.Id, conn)

	user := fixture.user.Copy()
	user.SelectedTab = "freenode/#closed-long-ago"
	assert.Equal(t, nil, fixture.burst.Sync(ctx, conn, user))

	message := transport.nextMessageOf(t, MsgBurst)
	payload := message.Data.(*BurstPayload)
	assert.Equal(t, tab.Url, payload.Users[0].SelectedTab)
}

func TestBurstSkipsStaleTab(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newBurstFixture(t, ctx)
	defer fixture.store.Close()
	fixture.addChannelTab(t, ctx, "#go")

	// a tab pointing at a network that no longer exists
	staleTab := &Tab{
		Id:          NewId(),
		User:        fixture.user.Id,
		Network:     NewId(),
		NetworkName: "gone",
		Type:        TabTypeChannel,
		Target:      "#gone",
		Url:         "gone/#gone",
	}
	assert.Equal(t, nil, fixture.store.InsertTab(ctx, staleTab))

	conn, transport := newTestConn(ctx)
	defer conn.Close()
	conn.SetUserId(fixture.user.Id)
	fixture.registry.Register(fixture.user.Id, conn)

	assert.Equal(t, nil, fixture.burst.Sync(ctx, conn, fixture.user.Copy()))

	message := transport.nextMessageOf(t, MsgBurst)
	payload := message.Data.(*BurstPayload)
	// the stale tab is still listed but contributes no scoped queries
	assert.Equal(t, 2, len(payload.Tabs))
	assert.Equal(t, 0, len(payload.Events))
}

func TestBurstAbortsOnStoreError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newBurstFixture(t, ctx)
	defer fixture.store.Close()
	fixture.addChannelTab(t, ctx, "#go")

	burst := NewBurstSynchronizerWithDefaults(&eventsFailStore{Store: fixture.store}, fixture.registry)

	conn, transport := newTestConn(ctx)
	defer conn.Close()
	conn.SetUserId(fixture.user.Id)
	fixture.registry.Register(fixture.user.Id, conn)

	err := burst.Sync(ctx, conn, fixture.user.Copy())
	assert.NotEqual(t, nil, err)

	// a failed burst sends nothing, never a partial payload
	transport.expectNoMessage(t, 200*time.Millisecond)
}

func TestBurstNoTabs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newBurstFixture(t, ctx)
	defer fixture.store.Close()

	conn, transport := newTestConn(ctx)
	defer conn.Close()
	conn.SetUserId(fixture.user.Id)
	fixture.registry.Register(fixture.user.Id, conn)

	user := fixture.user.Copy()
	user.SelectedTab = "freenode/#go"
	assert.Equal(t, nil, fixture.burst.Sync(ctx, conn, user))

	message := transport.nextMessageOf(t, MsgBurst)
	payload := message.Data.(*BurstPayload)
	assert.Equal(t, 0, len(payload.Tabs))
	assert.Equal(t, 0, len(payload.ChannelUsers))
	assert.Equal(t, 0, len(payload.Commands))
	// nothing to select
	assert.Equal(t, "", payload.Users[0].SelectedTab)
}
