package relay

import (
	"sync"

	"golang.org/x/exp/maps"
)

// per-connection cache of one open tab. ownership for tab deletes and
// channel user changes is not embedded in the mutated document, so the
// registry keeps this secondary index and the router consults it
// instead of the store.
type cachedTab struct {
	id          Id
	network     Id
	networkName string
	target      string
	url         string
	tabType     TabType
}

// process-wide table of live connections, keyed by user identity and by
// connection id. pure bookkeeping, injected into both the dispatcher
// and the router. all state is guarded by one lock so cache mutations
// are atomic with respect to concurrent resolution scans.
type ConnectionRegistry struct {
	stateLock sync.Mutex
	userConns map[Id][]*Conn
	conns     map[Id]*Conn
	connTabs  map[Id]map[Id]*cachedTab
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		userConns: map[Id][]*Conn{},
		conns:     map[Id]*Conn{},
		connTabs:  map[Id]map[Id]*cachedTab{},
	}
}

// exactly one registry entry per authenticated connection. multiple
// connections per user are permitted and each receives independent
// fanout.
func (self *ConnectionRegistry) Register(userId Id, conn *Conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.conns[conn.ConnId()]; ok {
		return
	}
	self.conns[conn.ConnId()] = conn
	self.userConns[userId] = append(self.userConns[userId], conn)
	self.connTabs[conn.ConnId()] = map[Id]*cachedTab{}
}

func (self *ConnectionRegistry) Unregister(conn *Conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.conns[conn.ConnId()]; !ok {
		return
	}
	delete(self.conns, conn.ConnId())
	delete(self.connTabs, conn.ConnId())

	userId := conn.UserId()
	conns := self.userConns[userId]
	for i := range conns {
		if conns[i] == conn {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(self.userConns, userId)
	} else {
		self.userConns[userId] = conns
	}
}

func (self *ConnectionRegistry) Lookup(userId Id) []*Conn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conns := self.userConns[userId]
	out := make([]*Conn, len(conns))
	copy(out, conns)
	return out
}

// seeds the tab cache for a connection at burst time
func (self *ConnectionRegistry) SetTabs(conn *Conn, tabs []*Tab) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connTabs, ok := self.connTabs[conn.ConnId()]
	if !ok {
		return
	}
	maps.Clear(connTabs)
	for _, tab := range tabs {
		connTabs[tab.Id] = newCachedTab(tab)
	}
}

// applied on tab insert/update fanout so channel user resolution always
// sees the live tab set
func (self *ConnectionRegistry) PutTab(userId Id, tab *Tab) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, conn := range self.userConns[userId] {
		if connTabs, ok := self.connTabs[conn.ConnId()]; ok {
			connTabs[tab.Id] = newCachedTab(tab)
		}
	}
}

// reverse lookup for a tab delete, which carries only the tab id.
// removes the tab from every matching cache and returns the owning
// connections.
func (self *ConnectionRegistry) RemoveTab(tabId Id) (userId Id, conns []*Conn, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for connId, connTabs := range self.connTabs {
		if _, found := connTabs[tabId]; found {
			delete(connTabs, tabId)
			conn := self.conns[connId]
			conns = append(conns, conn)
			userId = conn.UserId()
			ok = true
		}
	}
	return
}

// resolves the connections of users with an open tab on
// (network, target). used to route channel user changes, which carry a
// network and channel but no user id.
func (self *ConnectionRegistry) ConnsForChannel(networkName string, target string) []*Conn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	matched := map[Id]*Conn{}
	for connId, connTabs := range self.connTabs {
		for _, tab := range connTabs {
			if tab.networkName == networkName && tab.target == target {
				matched[connId] = self.conns[connId]
				break
			}
		}
	}
	return maps.Values(matched)
}

func (self *ConnectionRegistry) ConnCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.conns)
}

// ownership check via the cache, not the store, for latency
func (self *ConnectionRegistry) HasTabUrl(userId Id, tabUrl string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, conn := range self.userConns[userId] {
		for _, tab := range self.connTabs[conn.ConnId()] {
			if tab.url == tabUrl {
				return true
			}
		}
	}
	return false
}

func newCachedTab(tab *Tab) *cachedTab {
	return &cachedTab{
		id:          tab.Id,
		network:     tab.Network,
		networkName: tab.NetworkName,
		target:      tab.Target,
		url:         tab.Url,
		tabType:     tab.Type,
	}
}
