package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang/glog"
)

// error texts. ownership failures deliberately read the same whether
// the resource is missing or owned by someone else, to avoid leaking
// existence.
const (
	errInvalidFormat     = "invalid format, see API docs"
	errInvalidProperties = "invalid document properties, see API docs"
	errNotAuthorised     = "not authorised to call this command"
	errUnknownCommand    = "unknown command, see API docs"
	errInternal          = "internal error, try again"
)

const maxEventLimit = 50

// validates and authorizes inbound requests, applies exactly one store
// mutation or query per request, and answers with a typed message or a
// typed error. never both.
type Dispatcher struct {
	store    Store
	registry *ConnectionRegistry
	auth     Authenticator
	sessions SessionManager
	burst    *BurstSynchronizer
}

func NewDispatcher(
	store Store,
	registry *ConnectionRegistry,
	auth Authenticator,
	sessions SessionManager,
	burst *BurstSynchronizer,
) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		auth:     auth,
		sessions: sessions,
		burst:    burst,
	}
}

func (self *Dispatcher) Handle(ctx context.Context, conn *Conn, request *Request) {
	if request.Event == VerbAuthenticate {
		self.handleAuth(ctx, conn, request)
		return
	}
	if (conn.UserId() == Id{}) {
		conn.Send(errorMessage(request.Event, errNotAuthorised))
		return
	}

	switch request.Event {
	case VerbSendCommand:
		self.handleCommand(ctx, conn, request, false)
	case VerbExecCommand:
		self.handleCommand(ctx, conn, request, true)
	case VerbReadEvents:
		self.handleReadEvents(ctx, conn, request)
	case VerbSelectTab:
		self.handleSelectTab(ctx, conn, request)
	case VerbUpdateTab:
		self.handleUpdateTab(ctx, conn, request)
	case VerbInsertTab:
		self.handleInsertTab(ctx, conn, request)
	case VerbGetEvents:
		self.handleGetEvents(ctx, conn, request)
	default:
		conn.Send(errorMessage(request.Event, errUnknownCommand))
	}
}

// a failed authentication is fatal: the reply carries fatal=true and
// the connection is torn down. on success the connection is registered
// and the burst snapshot is pushed.
func (self *Dispatcher) handleAuth(ctx context.Context, conn *Conn, request *Request) {
	// a connection authenticates once. re-binding a live socket to a
	// different user would leave the first user's fanout attached to it.
	if (conn.UserId() != Id{}) {
		conn.Send(errorMessage(VerbAuthenticate, errNotAuthorised))
		return
	}

	var token string
	if len(request.Object) != 0 {
		if err := json.Unmarshal(request.Object, &token); err != nil {
			token = ""
		}
	}

	user, err := self.auth.Authenticate(ctx, token)
	if err != nil {
		conn.Send(authMessage(false, true))
		conn.Close()
		return
	}

	conn.SetUserId(user.Id)
	self.registry.Register(user.Id, conn)
	conn.Send(authMessage(true, false))

	if err := self.burst.Sync(ctx, conn, user); err != nil {
		// the connection must not be left half initialized
		glog.Infof("[rpc]burst error %s = %s\n", user.Id, err)
		self.registry.Unregister(conn)
		conn.Send(authMessage(false, true))
		conn.Close()
	}
}

var commandSchema = objectSchema{
	"command": {kind: kindString, required: true},
	"network": {kind: kindString, required: true},
	"target":  {kind: kindString, required: true},
}

func (self *Dispatcher) handleCommand(ctx context.Context, conn *Conn, request *Request, exec bool) {
	command := VerbSendCommand
	if exec {
		command = VerbExecCommand
	}

	object, err := decodeObject(request.Object)
	if err != nil {
		conn.Send(errorMessage(command, errInvalidFormat))
		return
	}
	if !commandSchema.conforms(object) {
		conn.Send(errorMessage(command, errInvalidProperties))
		return
	}

	userId := conn.UserId()
	networkName := object["network"].(string)
	target := object["target"].(string)

	// the canonical network id comes from the user's own tab record.
	// the client-supplied network name is only used to match.
	tab, err := self.store.TabByTarget(ctx, userId, networkName, target)
	if err != nil {
		conn.Send(errorMessage(command, errNotAuthorised))
		return
	}

	err = self.store.InsertCommand(ctx, &Command{
		Id:        NewId(),
		User:      userId,
		Network:   tab.Network,
		Target:    target,
		Command:   object["command"].(string),
		Backlog:   !exec,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		conn.Send(errorMessage(command, errInternal))
	}
}

var readEventsSchema = objectSchema{
	"read": {kind: kindBool, required: true},
}

func (self *Dispatcher) handleReadEvents(ctx context.Context, conn *Conn, request *Request) {
	if len(request.Query) == 0 || len(request.Object) == 0 {
		conn.Send(errorMessage(VerbReadEvents, errInvalidFormat))
		return
	}
	object, err := decodeObject(request.Object)
	if err != nil {
		conn.Send(errorMessage(VerbReadEvents, errInvalidFormat))
		return
	}
	if !readEventsSchema.conforms(object) {
		conn.Send(errorMessage(VerbReadEvents, errInvalidProperties))
		return
	}
	filter, err := parseEventQuery(request.Query)
	if err != nil {
		conn.Send(errorMessage(VerbReadEvents, errInvalidProperties))
		return
	}
	// the update can only ever touch the requester's own events
	filter.User = conn.UserId()

	if err := self.store.MarkEventsRead(ctx, filter, object["read"].(bool)); err != nil {
		conn.Send(errorMessage(VerbReadEvents, errInternal))
	}
}

func (self *Dispatcher) handleSelectTab(ctx context.Context, conn *Conn, request *Request) {
	var tabUrl string
	if len(request.Object) != 0 {
		if err := json.Unmarshal(request.Object, &tabUrl); err != nil {
			conn.Send(errorMessage(VerbSelectTab, errInvalidFormat))
			return
		}
	}
	if tabUrl == "" {
		conn.Send(errorMessage(VerbSelectTab, errInvalidFormat))
		return
	}

	userId := conn.UserId()
	if !self.registry.HasTabUrl(userId, tabUrl) {
		conn.Send(errorMessage(VerbSelectTab, errInvalidProperties))
		return
	}
	if err := self.store.SelectTab(ctx, userId, tabUrl); err != nil {
		conn.Send(errorMessage(VerbSelectTab, errInternal))
	}
}

var updateTabSchema = objectSchema{
	"hiddenUsers":  {kind: kindBool},
	"hiddenEvents": {kind: kindBool},
}

func (self *Dispatcher) handleUpdateTab(ctx context.Context, conn *Conn, request *Request) {
	var tabIdStr string
	if len(request.Query) != 0 {
		if err := json.Unmarshal(request.Query, &tabIdStr); err != nil {
			conn.Send(errorMessage(VerbUpdateTab, errInvalidFormat))
			return
		}
	}
	if tabIdStr == "" {
		conn.Send(errorMessage(VerbUpdateTab, errInvalidFormat))
		return
	}
	object, err := decodeObject(request.Object)
	if err != nil {
		conn.Send(errorMessage(VerbUpdateTab, errInvalidFormat))
		return
	}
	if len(object) == 0 || !updateTabSchema.conforms(object) {
		conn.Send(errorMessage(VerbUpdateTab, errInvalidProperties))
		return
	}
	tabId, err := ParseId(tabIdStr)
	if err != nil {
		conn.Send(errorMessage(VerbUpdateTab, errInvalidProperties))
		return
	}

	settings := TabSettings{}
	if value, ok := object["hiddenUsers"]; ok {
		hiddenUsers := value.(bool)
		settings.HiddenUsers = &hiddenUsers
	}
	if value, ok := object["hiddenEvents"]; ok {
		hiddenEvents := value.(bool)
		settings.HiddenEvents = &hiddenEvents
	}

	err = self.store.UpdateTabSettings(ctx, tabId, conn.UserId(), settings)
	if errors.Is(err, ErrNotFound) {
		conn.Send(errorMessage(VerbUpdateTab, errNotAuthorised))
	} else if err != nil {
		conn.Send(errorMessage(VerbUpdateTab, errInternal))
	}
}

var insertTabSchema = objectSchema{
	"target":   {kind: kindString, required: true},
	"network":  {kind: kindString, required: true},
	"selected": {kind: kindBool},
}

func (self *Dispatcher) handleInsertTab(ctx context.Context, conn *Conn, request *Request) {
	object, err := decodeObject(request.Object)
	if err != nil {
		conn.Send(errorMessage(VerbInsertTab, errInvalidFormat))
		return
	}
	if !insertTabSchema.conforms(object) {
		conn.Send(errorMessage(VerbInsertTab, errInvalidProperties))
		return
	}
	networkId, err := ParseId(object["network"].(string))
	if err != nil {
		conn.Send(errorMessage(VerbInsertTab, errInvalidProperties))
		return
	}

	// ownership re-derived from the store, never trusted from input
	network, err := self.store.NetworkById(ctx, networkId)
	if err != nil || network.Internal.UserId != conn.UserId() {
		conn.Send(errorMessage(VerbInsertTab, errNotAuthorised))
		return
	}

	selected, _ := object["selected"].(bool)
	// tab classification and creation belong to the session layer. the
	// client observes completion via the addTab push.
	if err := self.sessions.AddTab(ctx, network, object["target"].(string), selected); err != nil {
		conn.Send(errorMessage(VerbInsertTab, errInternal))
	}
}

func (self *Dispatcher) handleGetEvents(ctx context.Context, conn *Conn, request *Request) {
	if len(request.Query) == 0 {
		conn.Send(errorMessage(VerbGetEvents, errInvalidFormat))
		return
	}
	filter, err := parseEventQuery(request.Query)
	if err != nil {
		conn.Send(errorMessage(VerbGetEvents, errInvalidProperties))
		return
	}
	// forced, so the query can never read another user's events
	filter.User = conn.UserId()

	limit := maxEventLimit
	if len(request.Object) != 0 {
		var requested int
		if err := json.Unmarshal(request.Object, &requested); err == nil && 0 < requested {
			limit = requested
		}
	}
	if maxEventLimit < limit {
		limit = maxEventLimit
	}

	events, err := self.store.Events(ctx, filter, limit)
	if err != nil {
		conn.Send(errorMessage(VerbGetEvents, errInternal))
		return
	}
	for i := range events {
		events[i] = RedactEvent(events[i])
	}
	conn.Send(&Message{
		Event: MsgEvents,
		Data:  events,
	})
}
