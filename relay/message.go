package relay

import (
	"encoding/json"
)

// wire protocol: one json object per websocket text message.
// inbound objects carry a verb in `event` plus an optional `query` and
// `object`. outbound objects carry the message name in `event` and the
// payload in `data`.

type Request struct {
	Event  string          `json:"event"`
	Query  json.RawMessage `json:"query,omitempty"`
	Object json.RawMessage `json:"object,omitempty"`
}

type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// inbound verbs
const (
	VerbAuthenticate = "authenticate"
	VerbSendCommand  = "sendCommand"
	VerbExecCommand  = "execCommand"
	VerbReadEvents   = "readEvents"
	VerbSelectTab    = "selectTab"
	VerbUpdateTab    = "updateTab"
	VerbInsertTab    = "insertTab"
	VerbGetEvents    = "getEvents"
)

// outbound message names
const (
	MsgAuthenticate      = "authenticate"
	MsgError             = "error"
	MsgBurst             = "burst"
	MsgEvents            = "events"
	MsgUpdateUser        = "updateUser"
	MsgAddNetwork        = "addNetwork"
	MsgUpdateNetwork     = "updateNetwork"
	MsgRemoveNetwork     = "removeNetwork"
	MsgAddTab            = "addTab"
	MsgUpdateTab         = "updateTab"
	MsgRemoveTab         = "removeTab"
	MsgNewEvent          = "newEvent"
	MsgNewBacklog        = "newBacklog"
	MsgNewChannelUser    = "newChannelUser"
	MsgUpdateChannelUser = "updateChannelUser"
	MsgDeleteChannelUser = "deleteChannelUser"
)

type AuthResult struct {
	Success bool `json:"success"`
	Fatal   bool `json:"fatal"`
}

type ErrorResult struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}

// the burst payload is atomic from the client's perspective. `burstend`
// lets the client distinguish "still loading" from "caught up".
type BurstPayload struct {
	Users        []*User        `json:"users"`
	Networks     []*Network     `json:"networks"`
	Tabs         []*Tab         `json:"tabs"`
	ChannelUsers []*ChannelUser `json:"channelUsers"`
	Events       []*Event       `json:"events"`
	Commands     []*Command     `json:"commands"`
	BurstEnd     bool           `json:"burstend"`
}

func authMessage(success bool, fatal bool) *Message {
	return &Message{
		Event: MsgAuthenticate,
		Data: &AuthResult{
			Success: success,
			Fatal:   fatal,
		},
	}
}

func errorMessage(command string, errorText string) *Message {
	return &Message{
		Event: MsgError,
		Data: &ErrorResult{
			Command: command,
			Error:   errorText,
		},
	}
}
