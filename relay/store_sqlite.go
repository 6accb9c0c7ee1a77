package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqlite-backed store for single-process deployments. documents are
// stored as json with a few key columns duplicated for lookup; the
// query semantics are shared with the memory store through the filter
// types. writes are serialized under one lock so the change feed order
// matches commit order.
type SqliteStore struct {
	stateLock sync.Mutex
	db        *sql.DB
	feed      *changeFeed
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS networks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS networks_user ON networks(user_id)`,
		`CREATE TABLE IF NOT EXISTS tabs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			network_name TEXT NOT NULL,
			target TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tabs_user ON tabs(user_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			time INTEGER NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_user_time ON events(user_id, time)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			backlog INTEGER NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS commands_user ON commands(user_id)`,
		`CREATE TABLE IF NOT EXISTS channel_users (
			id TEXT PRIMARY KEY,
			network TEXT NOT NULL,
			channel TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS channel_users_channel ON channel_users(network, channel)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SqliteStore{
		db:   db,
		feed: newChangeFeed(),
	}, nil
}

func (self *SqliteStore) Subscribe() (<-chan Change, func()) {
	return self.feed.Subscribe()
}

func (self *SqliteStore) Close() error {
	self.feed.Close()
	return self.db.Close()
}

// users

func (self *SqliteStore) InsertUser(ctx context.Context, user *User) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(user)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (id, doc) VALUES (?, ?)`,
		user.Id.String(), string(doc))
	if err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionUsers, OpInsert, user.Copy()})
	return nil
}

func (self *SqliteStore) UserById(ctx context.Context, userId Id) (*User, error) {
	user := &User{}
	if err := self.getDoc(ctx, `SELECT doc FROM users WHERE id = ?`, user, userId.String()); err != nil {
		return nil, err
	}
	return user, nil
}

func (self *SqliteStore) UserByToken(ctx context.Context, token string) (*User, error) {
	rows, err := self.db.QueryContext(ctx, `SELECT doc FROM users ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		user := &User{}
		if err := json.Unmarshal([]byte(doc), user); err != nil {
			return nil, err
		}
		if expires, ok := user.Tokens[token]; ok && now.Before(expires) {
			return user, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (self *SqliteStore) UpdateUser(ctx context.Context, user *User) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(user)
	if err != nil {
		return err
	}
	result, err := self.db.ExecContext(ctx,
		`UPDATE users SET doc = ? WHERE id = ?`,
		string(doc), user.Id.String())
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	self.feed.Publish(Change{CollectionUsers, OpUpdate, user.Copy()})
	return nil
}

func (self *SqliteStore) UpdateUserPresence(ctx context.Context, userId Id, lastSeen time.Time, selectedTab string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.mutateUser(ctx, userId, func(user *User) {
		user.LastSeen = &lastSeen
		if selectedTab != "" {
			user.SelectedTab = selectedTab
		}
	})
}

func (self *SqliteStore) SelectTab(ctx context.Context, userId Id, tabUrl string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.mutateUser(ctx, userId, func(user *User) {
		user.SelectedTab = tabUrl
	})
}

// caller holds stateLock
func (self *SqliteStore) mutateUser(ctx context.Context, userId Id, mutate func(user *User)) error {
	user := &User{}
	if err := self.getDoc(ctx, `SELECT doc FROM users WHERE id = ?`, user, userId.String()); err != nil {
		return err
	}
	mutate(user)
	doc, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if _, err := self.db.ExecContext(ctx,
		`UPDATE users SET doc = ? WHERE id = ?`,
		string(doc), userId.String()); err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionUsers, OpUpdate, user.Copy()})
	return nil
}

// networks

func (self *SqliteStore) NetworksForUser(ctx context.Context, userId Id) ([]*Network, error) {
	rows, err := self.db.QueryContext(ctx,
		`SELECT doc FROM networks WHERE user_id = ? ORDER BY rowid`,
		userId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	networks := []*Network{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		network := &Network{}
		if err := json.Unmarshal([]byte(doc), network); err != nil {
			return nil, err
		}
		networks = append(networks, network)
	}
	return networks, rows.Err()
}

func (self *SqliteStore) NetworkById(ctx context.Context, networkId Id) (*Network, error) {
	network := &Network{}
	if err := self.getDoc(ctx, `SELECT doc FROM networks WHERE id = ?`, network, networkId.String()); err != nil {
		return nil, err
	}
	return network, nil
}

func (self *SqliteStore) InsertNetwork(ctx context.Context, network *Network) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(network)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO networks (id, user_id, doc) VALUES (?, ?, ?)`,
		network.Id.String(), network.Internal.UserId.String(), string(doc))
	if err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionNetworks, OpInsert, network.Copy()})
	return nil
}

func (self *SqliteStore) UpdateNetwork(ctx context.Context, network *Network) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(network)
	if err != nil {
		return err
	}
	result, err := self.db.ExecContext(ctx,
		`UPDATE networks SET user_id = ?, doc = ? WHERE id = ?`,
		network.Internal.UserId.String(), string(doc), network.Id.String())
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	self.feed.Publish(Change{CollectionNetworks, OpUpdate, network.Copy()})
	return nil
}

func (self *SqliteStore) DeleteNetwork(ctx context.Context, networkId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	network := &Network{}
	if err := self.getDoc(ctx, `SELECT doc FROM networks WHERE id = ?`, network, networkId.String()); err != nil {
		return err
	}
	if _, err := self.db.ExecContext(ctx, `DELETE FROM networks WHERE id = ?`, networkId.String()); err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionNetworks, OpDelete, network})
	return nil
}

// tabs

func (self *SqliteStore) TabsForUser(ctx context.Context, userId Id) ([]*Tab, error) {
	rows, err := self.db.QueryContext(ctx,
		`SELECT doc FROM tabs WHERE user_id = ? ORDER BY rowid`,
		userId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tabs := []*Tab{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		tab := &Tab{}
		if err := json.Unmarshal([]byte(doc), tab); err != nil {
			return nil, err
		}
		tabs = append(tabs, tab)
	}
	return tabs, rows.Err()
}

func (self *SqliteStore) TabByTarget(ctx context.Context, userId Id, networkName string, target string) (*Tab, error) {
	tab := &Tab{}
	err := self.getDoc(ctx,
		`SELECT doc FROM tabs WHERE user_id = ? AND network_name = ? AND target = ? ORDER BY rowid LIMIT 1`,
		tab, userId.String(), networkName, target)
	if err != nil {
		return nil, err
	}
	return tab, nil
}

func (self *SqliteStore) InsertTab(ctx context.Context, tab *Tab) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(tab)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tabs (id, user_id, network_name, target, doc) VALUES (?, ?, ?, ?, ?)`,
		tab.Id.String(), tab.User.String(), tab.NetworkName, tab.Target, string(doc))
	if err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionTabs, OpInsert, tab.Copy()})
	return nil
}

func (self *SqliteStore) UpdateTabSettings(ctx context.Context, tabId Id, userId Id, settings TabSettings) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tab := &Tab{}
	err := self.getDoc(ctx,
		`SELECT doc FROM tabs WHERE id = ? AND user_id = ?`,
		tab, tabId.String(), userId.String())
	if err != nil {
		return err
	}
	if settings.HiddenUsers != nil {
		tab.HiddenUsers = *settings.HiddenUsers
	}
	if settings.HiddenEvents != nil {
		tab.HiddenEvents = *settings.HiddenEvents
	}
	doc, err := json.Marshal(tab)
	if err != nil {
		return err
	}
	if _, err := self.db.ExecContext(ctx,
		`UPDATE tabs SET doc = ? WHERE id = ?`,
		string(doc), tabId.String()); err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionTabs, OpUpdate, tab})
	return nil
}

func (self *SqliteStore) DeleteTab(ctx context.Context, tabId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	result, err := self.db.ExecContext(ctx, `DELETE FROM tabs WHERE id = ?`, tabId.String())
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	self.feed.Publish(Change{CollectionTabs, OpDelete, tabId})
	return nil
}

// events

func (self *SqliteStore) Events(ctx context.Context, filter EventFilter, limit int) ([]*Event, error) {
	events := []*Event{}
	err := self.scanEvents(ctx, filter, func(event *Event) bool {
		events = append(events, event)
		return limit <= 0 || len(events) < limit
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (self *SqliteStore) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	count := 0
	err := self.scanEvents(ctx, filter, func(event *Event) bool {
		count += 1
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// rows come back most recent first so callers can stop at their limit.
// scope and id constraints are applied in go against the shared filter,
// which keeps the two store implementations agreeing exactly.
func (self *SqliteStore) scanEvents(ctx context.Context, filter EventFilter, visit func(event *Event) bool) error {
	var rows *sql.Rows
	var err error
	if (filter.User != Id{}) {
		rows, err = self.db.QueryContext(ctx,
			`SELECT doc FROM events WHERE user_id = ? ORDER BY time DESC, rowid DESC`,
			filter.User.String())
	} else {
		rows, err = self.db.QueryContext(ctx,
			`SELECT doc FROM events ORDER BY time DESC, rowid DESC`)
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		event := &Event{}
		if err := json.Unmarshal([]byte(doc), event); err != nil {
			return err
		}
		if !filter.Matches(event) {
			continue
		}
		if !visit(event) {
			return nil
		}
	}
	return rows.Err()
}

func (self *SqliteStore) InsertEvent(ctx context.Context, event *Event) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(event)
	if err != nil {
		return err
	}
	userId := ""
	if event.User != nil {
		userId = event.User.String()
	}
	_, err = self.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (id, user_id, time, doc) VALUES (?, ?, ?, ?)`,
		event.Id.String(), userId, event.Message.Time.UnixMilli(), string(doc))
	if err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionEvents, OpInsert, event.Copy()})
	return nil
}

func (self *SqliteStore) MarkEventsRead(ctx context.Context, filter EventFilter, read bool) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	matched := []*Event{}
	err := self.scanEvents(ctx, filter, func(event *Event) bool {
		matched = append(matched, event)
		return true
	})
	if err != nil {
		return err
	}
	for _, event := range matched {
		event.Read = read
		doc, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := self.db.ExecContext(ctx,
			`UPDATE events SET doc = ? WHERE id = ?`,
			string(doc), event.Id.String()); err != nil {
			return err
		}
	}
	return nil
}

// commands

func (self *SqliteStore) InsertCommand(ctx context.Context, command *Command) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(command)
	if err != nil {
		return err
	}
	backlog := 0
	if command.Backlog {
		backlog = 1
	}
	_, err = self.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO commands (id, user_id, backlog, doc) VALUES (?, ?, ?, ?)`,
		command.Id.String(), command.User.String(), backlog, string(doc))
	if err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionCommands, OpInsert, command.Copy()})
	return nil
}

func (self *SqliteStore) BacklogCommands(ctx context.Context, userId Id, scopes []CommandScope) ([]*Command, error) {
	rows, err := self.db.QueryContext(ctx,
		`SELECT doc FROM commands WHERE user_id = ? AND backlog = 1 ORDER BY rowid`,
		userId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands := []*Command{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		command := &Command{}
		if err := json.Unmarshal([]byte(doc), command); err != nil {
			return nil, err
		}
		for _, scope := range scopes {
			if command.Network == scope.Network && command.Target == scope.Target {
				commands = append(commands, command)
				break
			}
		}
	}
	return commands, rows.Err()
}

// channel users

func (self *SqliteStore) ChannelUsersIn(ctx context.Context, scopes []ChannelScope) ([]*ChannelUser, error) {
	rows, err := self.db.QueryContext(ctx, `SELECT doc FROM channel_users ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channelUsers := []*ChannelUser{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		channelUser := &ChannelUser{}
		if err := json.Unmarshal([]byte(doc), channelUser); err != nil {
			return nil, err
		}
		for _, scope := range scopes {
			if channelUser.Network == scope.Network && channelUser.Channel == scope.Channel {
				channelUsers = append(channelUsers, channelUser)
				break
			}
		}
	}
	return channelUsers, rows.Err()
}

func (self *SqliteStore) InsertChannelUser(ctx context.Context, channelUser *ChannelUser) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(channelUser)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO channel_users (id, network, channel, doc) VALUES (?, ?, ?, ?)`,
		channelUser.Id.String(), channelUser.Network, channelUser.Channel, string(doc))
	if err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionChannelUsers, OpInsert, channelUser.Copy()})
	return nil
}

func (self *SqliteStore) UpdateChannelUser(ctx context.Context, channelUser *ChannelUser) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, err := json.Marshal(channelUser)
	if err != nil {
		return err
	}
	result, err := self.db.ExecContext(ctx,
		`UPDATE channel_users SET network = ?, channel = ?, doc = ? WHERE id = ?`,
		channelUser.Network, channelUser.Channel, string(doc), channelUser.Id.String())
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	self.feed.Publish(Change{CollectionChannelUsers, OpUpdate, channelUser.Copy()})
	return nil
}

func (self *SqliteStore) DeleteChannelUser(ctx context.Context, channelUserId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channelUser := &ChannelUser{}
	if err := self.getDoc(ctx, `SELECT doc FROM channel_users WHERE id = ?`, channelUser, channelUserId.String()); err != nil {
		return err
	}
	if _, err := self.db.ExecContext(ctx, `DELETE FROM channel_users WHERE id = ?`, channelUserId.String()); err != nil {
		return err
	}
	self.feed.Publish(Change{CollectionChannelUsers, OpDelete, channelUser})
	return nil
}

func (self *SqliteStore) getDoc(ctx context.Context, query string, out any, args ...any) error {
	var doc string
	err := self.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc), out)
}
