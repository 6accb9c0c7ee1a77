package relay

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type routerFixture struct {
	store    *MemoryStore
	registry *ConnectionRegistry
	router   *ChangeRouter
}

func newRouterFixture(ctx context.Context) *routerFixture {
	store := NewMemoryStore()
	registry := NewConnectionRegistry()
	return &routerFixture{
		store:    store,
		registry: registry,
		router:   NewChangeRouter(ctx, store, registry),
	}
}

func (self *routerFixture) close() {
	self.router.Close()
	self.store.Close()
}

func (self *routerFixture) connect(ctx context.Context, userId Id) (*Conn, *testTransport) {
	conn, transport := newTestConn(ctx)
	conn.SetUserId(userId)
	self.registry.Register(userId, conn)
	self.registry.SetTabs(conn, nil)
	return conn, transport
}

func TestRouterEventIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(ctx)
	defer fixture.close()

	userA := NewId()
	userB := NewId()
	connA, transportA := fixture.connect(ctx, userA)
	connB, transportB := fixture.connect(ctx, userB)
	defer connA.Close()
	defer connB.Close()

	event := testEvent(userA, "freenode", "#go", time.Now())
	assert.Equal(t, nil, fixture.store.InsertEvent(ctx, event))

	message := transportA.nextMessageOf(t, MsgNewEvent)
	pushed := message.Data.(*Event)
	assert.Equal(t, event.Id, pushed.Id)
	// owner stripped before the push
	assert.Equal(t, true, pushed.User == nil)

	transportB.expectNoMessage(t, 200*time.Millisecond)
}

func TestRouterFanoutToAllOwnerConns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(ctx)
	defer fixture.close()

	userId := NewId()
	connA, transportA := fixture.connect(ctx, userId)
	connB, transportB := fixture.connect(ctx, userId)
	defer connA.Close()
	defer connB.Close()

	event := testEvent(userId, "freenode", "#go", time.Now())
	assert.Equal(t, nil, fixture.store.InsertEvent(ctx, event))

	assert.Equal(t, MsgNewEvent, transportA.nextMessageOf(t, MsgNewEvent).Event)
	assert.Equal(t, MsgNewEvent, transportB.nextMessageOf(t, MsgNewEvent).Event)
}

func TestRouterUserUpdateRedacted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(ctx)
	defer fixture.close()

	user := &User{
		Id:       NewId(),
		Name:     "alice",
		Salt:     "salt",
		Password: "hash",
		Tokens: map[string]time.Time{
			"token": time.Now().Add(time.Hour),
		},
	}
	assert.Equal(t, nil, fixture.store.InsertUser(ctx, user))

	conn, transport := fixture.connect(ctx, user.Id)
	defer conn.Close()

	assert.Equal(t, nil, fixture.store.SelectTab(ctx, user.Id, "freenode/#go"))

	message := transport.nextMessageOf(t, MsgUpdateUser)
	pushed := message.Data.(*User)
	assert.Equal(t, "freenode/#go", pushed.SelectedTab)
	assert.Equal(t, "", pushed.Salt)
	assert.Equal(t, "", pushed.Password)
	assert.Equal(t, true, pushed.Tokens == nil)
}

func TestRouterNetworkLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(ctx)
	defer fixture.close()

	userId := NewId()
	conn, transport := fixture.connect(ctx, userId)
	defer conn.Close()

	network := &Network{
		Id:   NewId(),
		Name: "freenode",
		Nick: "alice",
		Internal: NetworkInternal{
			UserId: userId,
		},
	}
	assert.Equal(t, nil, fixture.store.InsertNetwork(ctx, network))
	assert.Equal(t, network.Id, transport.nextMessageOf(t, MsgAddNetwork).Data.(*Network).Id)

	network.Nick = "alice2"
	assert.Equal(t, nil, fixture.store.UpdateNetwork(ctx, network))
	assert.Equal(t, "alice2", transport.nextMessageOf(t, MsgUpdateNetwork).Data.(*Network).Nick)

	assert.Equal(t, nil, fixture.store.DeleteNetwork(ctx, network.Id))
	assert.Equal(t, network.Id, transport.nextMessageOf(t, MsgRemoveNetwork).Data.(*Network).Id)
}

func TestRouterTabDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(ctx)
	defer fixture.close()

	userId := NewId()
	otherUserId := NewId()
	conn, transport := fixture.connect(ctx, userId)
	otherConn, otherTransport := fixture.connect(ctx, otherUserId)
	defer conn.Close()
	defer otherConn.Close()

	tab := &Tab{
		Id:          NewId(),
		User:        userId,
		Network:     NewId(),
		NetworkName: "freenode",
		Type:        TabTypeChannel,
		Target:      "#go",
		Url:         "freenode/#go",
	}
	assert.Equal(t, nil, fixture.store.InsertTab(ctx, tab))
	assert.Equal(t, tab.Id, transport.nextMessageOf(t, MsgAddTab).Data.(*Tab).Id)

	// the insert fanout seeded the cache, so channel resolution sees it
	assert.Equal(t, 1, len(fixture.registry.ConnsForChannel("freenode", "#go")))

	assert.Equal(t, nil, fixture.store.DeleteTab(ctx, tab.Id))
	message := transport.nextMessageOf(t, MsgRemoveTab)
	assert.Equal(t, tab.Id, message.Data.(Id))

	// the cache entry is removed with the push
	assert.Equal(t, 0, len(fixture.registry.ConnsForChannel("freenode", "#go")))
	otherTransport.expectNoMessage(t, 200*time.Millisecond)
}

func TestRouterChannelUserScopedByOpenTabs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(ctx)
	defer fixture.close()

	userA := NewId()
	userB := NewId()
	connA, transportA := fixture.connect(ctx, userA)
	connB, transportB := fixture.connect(ctx, userB)
	defer connA.Close()
	defer connB.Close()

	fixture.registry.SetTabs(connA, []*Tab{{
		Id:          NewId(),
		User:        userA,
		NetworkName: "freenode",
		Type:        TabTypeChannel,
		Target:      "#go",
		Url:         "freenode/#go",
	}})
	fixture.registry.SetTabs(connB, []*Tab{{
		Id:          NewId(),
		User:        userB,
		NetworkName: "freenode",
		Type:        TabTypeChannel,
		Target:      "#rust",
		Url:         "freenode/#rust",
	}})

	channelUser := &ChannelUser{
		Id:       NewId(),
		Nickname: "carol",
		Username: "carol",
		Hostname: "host.example",
		Network:  "freenode",
		Channel:  "#go",
		Burst:    true,
	}
	assert.Equal(t, nil, fixture.store.InsertChannelUser(ctx, channelUser))

	message := transportA.nextMessageOf(t, MsgNewChannelUser)
	pushed := message.Data.(*ChannelUser)
	assert.Equal(t, "carol", pushed.Nickname)
	assert.Equal(t, "", pushed.Username)
	assert.Equal(t, "", pushed.Hostname)
	assert.Equal(t, false, pushed.Burst)

	transportB.expectNoMessage(t, 200*time.Millisecond)

	assert.Equal(t, nil, fixture.store.DeleteChannelUser(ctx, channelUser.Id))
	assert.Equal(t, MsgDeleteChannelUser, transportA.nextMessageOf(t, MsgDeleteChannelUser).Event)
}

func TestRouterBacklogCommandsNotPushed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(ctx)
	defer fixture.close()

	userId := NewId()
	conn, transport := fixture.connect(ctx, userId)
	defer conn.Close()

	// a logged command is replayed by the burst, not pushed live
	assert.Equal(t, nil, fixture.store.InsertCommand(ctx, &Command{
		Id:        NewId(),
		User:      userId,
		Network:   NewId(),
		Target:    "#go",
		Command:   "/msg stored",
		Backlog:   true,
		Timestamp: time.Now().UnixMilli(),
	}))
	transport.expectNoMessage(t, 200*time.Millisecond)

	command := &Command{
		Id:        NewId(),
		User:      userId,
		Network:   NewId(),
		Target:    "#go",
		Command:   "/whois carol",
		Backlog:   false,
		Timestamp: time.Now().UnixMilli(),
	}
	assert.Equal(t, nil, fixture.store.InsertCommand(ctx, command))
	message := transport.nextMessageOf(t, MsgNewBacklog)
	assert.Equal(t, command.Id, message.Data.(*Command).Id)
}
