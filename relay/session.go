package relay

import (
	"context"
	"strings"
)

// the protocol-level session layer owns tab creation: it classifies the
// target as a channel or a query and writes the tab. the dispatcher
// only authorizes and delegates.
type SessionManager interface {
	AddTab(ctx context.Context, network *Network, target string, selected bool) error
}

const defaultChanTypes = "#&"

// a store-backed session manager for deployments where the protocol
// layer runs in the same process. classifies the target by channel
// prefix and writes the tab directly, which the change router then fans
// out as `addTab`.
type LocalSessionManager struct {
	store Store
	// channel prefix characters, CHANTYPES
	chanTypes string
}

func NewLocalSessionManager(store Store) *LocalSessionManager {
	return &LocalSessionManager{
		store:     store,
		chanTypes: defaultChanTypes,
	}
}

func (self *LocalSessionManager) AddTab(ctx context.Context, network *Network, target string, selected bool) error {
	tabType := TabTypeQuery
	if target != "" && strings.ContainsRune(self.chanTypes, rune(target[0])) {
		tabType = TabTypeChannel
	}

	// opening an already open tab is a no-op
	if _, err := self.store.TabByTarget(ctx, network.Internal.UserId, network.Name, target); err == nil {
		return nil
	}

	tab := &Tab{
		Id:          NewId(),
		User:        network.Internal.UserId,
		Network:     network.Id,
		NetworkName: network.Name,
		Type:        tabType,
		Target:      target,
		Url:         network.Name + "/" + strings.ToLower(target),
		Title:       target,
		Selected:    selected,
		Active:      true,
	}
	return self.store.InsertTab(ctx, tab)
}
