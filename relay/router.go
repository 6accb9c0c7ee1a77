package relay

import (
	"context"

	"github.com/golang/glog"
)

// observes the store change feed, resolves the owning user for each
// change, applies redaction, and pushes a typed delta to each of that
// user's live connections. a change with no connected owner is dropped,
// not queued. offline users catch up via the next burst.
type ChangeRouter struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    Store
	registry *ConnectionRegistry
}

func NewChangeRouter(ctx context.Context, store Store, registry *ConnectionRegistry) *ChangeRouter {
	cancelCtx, cancel := context.WithCancel(ctx)
	router := &ChangeRouter{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		registry: registry,
	}
	// subscribe before returning so no change published after
	// construction can be missed
	changes, unsub := store.Subscribe()
	go router.run(changes, unsub)
	return router
}

func (self *ChangeRouter) run(changes <-chan Change, unsub func()) {
	defer self.cancel()
	defer unsub()

	for {
		select {
		case <-self.ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			self.route(change)
		}
	}
}

func (self *ChangeRouter) route(change Change) {
	switch change.Collection {
	case CollectionUsers:
		if change.Op == OpUpdate {
			self.routeUserUpdate(change)
		}
	case CollectionNetworks:
		self.routeNetwork(change)
	case CollectionTabs:
		self.routeTab(change)
	case CollectionEvents:
		if change.Op == OpInsert {
			self.routeEventInsert(change)
		}
	case CollectionCommands:
		if change.Op == OpInsert {
			self.routeCommandInsert(change)
		}
	case CollectionChannelUsers:
		self.routeChannelUser(change)
	}
}

func (self *ChangeRouter) routeUserUpdate(change Change) {
	user, ok := change.Doc.(*User)
	if !ok {
		return
	}
	self.fanout(self.registry.Lookup(user.Id), &Message{
		Event: MsgUpdateUser,
		Data:  RedactUser(user),
	})
}

func (self *ChangeRouter) routeNetwork(change Change) {
	network, ok := change.Doc.(*Network)
	if !ok {
		return
	}
	var event string
	switch change.Op {
	case OpInsert:
		event = MsgAddNetwork
	case OpUpdate:
		event = MsgUpdateNetwork
	case OpDelete:
		event = MsgRemoveNetwork
	default:
		return
	}
	self.fanout(self.registry.Lookup(network.Internal.UserId), &Message{
		Event: event,
		Data:  network,
	})
}

func (self *ChangeRouter) routeTab(change Change) {
	if change.Op == OpDelete {
		// the delete notification carries only the tab id. resolve the
		// owner through the cache and remove the entry in the same
		// registry critical section, so a concurrent channel user
		// change cannot route through the dead tab.
		tabId, ok := change.Doc.(Id)
		if !ok {
			return
		}
		_, conns, ok := self.registry.RemoveTab(tabId)
		if !ok {
			return
		}
		self.fanout(conns, &Message{
			Event: MsgRemoveTab,
			Data:  tabId,
		})
		return
	}

	tab, ok := change.Doc.(*Tab)
	if !ok {
		return
	}
	self.registry.PutTab(tab.User, tab)
	var event string
	switch change.Op {
	case OpInsert:
		event = MsgAddTab
	case OpUpdate:
		event = MsgUpdateTab
	default:
		return
	}
	self.fanout(self.registry.Lookup(tab.User), &Message{
		Event: event,
		Data:  tab,
	})
}

func (self *ChangeRouter) routeEventInsert(change Change) {
	event, ok := change.Doc.(*Event)
	if !ok || event.User == nil {
		return
	}
	self.fanout(self.registry.Lookup(*event.User), &Message{
		Event: MsgNewEvent,
		Data:  RedactEvent(event),
	})
}

func (self *ChangeRouter) routeCommandInsert(change Change) {
	command, ok := change.Doc.(*Command)
	if !ok {
		return
	}
	if command.Backlog {
		// logged commands are replayed by the burst, never pushed live
		return
	}
	self.fanout(self.registry.Lookup(command.User), &Message{
		Event: MsgNewBacklog,
		Data:  command,
	})
}

func (self *ChangeRouter) routeChannelUser(change Change) {
	channelUser, ok := change.Doc.(*ChannelUser)
	if !ok {
		return
	}
	var event string
	switch change.Op {
	case OpInsert:
		event = MsgNewChannelUser
	case OpUpdate:
		event = MsgUpdateChannelUser
	case OpDelete:
		event = MsgDeleteChannelUser
	default:
		return
	}
	conns := self.registry.ConnsForChannel(channelUser.Network, channelUser.Channel)
	self.fanout(conns, &Message{
		Event: event,
		Data:  RedactChannelUser(channelUser),
	})
}

func (self *ChangeRouter) fanout(conns []*Conn, message *Message) {
	if len(conns) == 0 {
		glog.V(2).Infof("[cr]drop %s\n", message.Event)
		return
	}
	for _, conn := range conns {
		conn.Send(message)
	}
}

func (self *ChangeRouter) Close() {
	self.cancel()
}
