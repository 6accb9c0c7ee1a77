package relay

import (
	"time"

	"golang.org/x/exp/maps"
)

// store documents. the relay core reads and writes these through the
// `Store` interface and never hands a store-owned pointer to a socket,
// so every fetch returns a copy.

type User struct {
	Id          Id                   `json:"_id"`
	Name        string               `json:"name,omitempty"`
	Email       string               `json:"email,omitempty"`
	Salt        string               `json:"salt,omitempty"`
	Password    string               `json:"password,omitempty"`
	Tokens      map[string]time.Time `json:"tokens,omitempty"`
	SelectedTab string               `json:"selectedTab,omitempty"`
	LastSeen    *time.Time           `json:"lastSeen,omitempty"`
}

func (self *User) Copy() *User {
	userCopy := *self
	if self.Tokens != nil {
		userCopy.Tokens = maps.Clone(self.Tokens)
	}
	if self.LastSeen != nil {
		lastSeen := *self.LastSeen
		userCopy.LastSeen = &lastSeen
	}
	return &userCopy
}

type NetworkInternal struct {
	UserId Id     `json:"userId"`
	Status string `json:"status,omitempty"`
}

type Network struct {
	Id       Id              `json:"_id"`
	Name     string          `json:"name"`
	Nick     string          `json:"nick"`
	Url      string          `json:"url,omitempty"`
	Internal NetworkInternal `json:"internal"`
}

func (self *Network) Copy() *Network {
	networkCopy := *self
	return &networkCopy
}

type TabType string

const (
	TabTypeNetwork TabType = "network"
	TabTypeChannel TabType = "channel"
	TabTypeQuery   TabType = "query"
)

type Tab struct {
	Id           Id      `json:"_id"`
	User         Id      `json:"user"`
	Network      Id      `json:"network"`
	NetworkName  string  `json:"networkName"`
	Type         TabType `json:"type"`
	Target       string  `json:"target"`
	Url          string  `json:"url"`
	Title        string  `json:"title,omitempty"`
	Selected     bool    `json:"selected,omitempty"`
	Active       bool    `json:"active,omitempty"`
	HiddenUsers  bool    `json:"hiddenUsers,omitempty"`
	HiddenEvents bool    `json:"hiddenEvents,omitempty"`

	// computed at burst time, never persisted
	Unread     int `json:"unread"`
	Highlights int `json:"highlights"`
}

func (self *Tab) Copy() *Tab {
	tabCopy := *self
	return &tabCopy
}

type EventMessage struct {
	Nickname string    `json:"nickname,omitempty"`
	Username string    `json:"username,omitempty"`
	Hostname string    `json:"hostname,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

type EventExtra struct {
	Highlight bool `json:"highlight,omitempty"`
	Self      bool `json:"self,omitempty"`
}

type Event struct {
	Id      Id           `json:"_id"`
	User    *Id          `json:"user,omitempty"`
	Type    string       `json:"type"`
	Network string       `json:"network"`
	Target  string       `json:"target"`
	Message EventMessage `json:"message"`
	Extra   EventExtra   `json:"extra"`
	Read    bool         `json:"read"`
}

func (self *Event) Copy() *Event {
	eventCopy := *self
	if self.User != nil {
		user := *self.User
		eventCopy.User = &user
	}
	return &eventCopy
}

type Command struct {
	Id        Id     `json:"_id"`
	User      Id     `json:"user"`
	Network   Id     `json:"network"`
	Target    string `json:"target"`
	Command   string `json:"command"`
	Backlog   bool   `json:"backlog"`
	Timestamp int64  `json:"timestamp"`
}

func (self *Command) Copy() *Command {
	commandCopy := *self
	return &commandCopy
}

type ChannelUser struct {
	Id       Id     `json:"_id"`
	Nickname string `json:"nickname"`
	Username string `json:"username,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Network  string `json:"network"`
	Channel  string `json:"channel"`
	Sort     string `json:"sort,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	// set while the protocol layer replays a names burst
	Burst bool `json:"_burst,omitempty"`
}

func (self *ChannelUser) Copy() *ChannelUser {
	channelUserCopy := *self
	return &channelUserCopy
}
