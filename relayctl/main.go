package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/ircanywhere/relay/relay"
)

const RelayCtlVersion = "0.1.0"

const DefaultRelayUrl = "ws://127.0.0.1:6500"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Relay control.

The default relay url is %s.

Usage:
    relayctl tail [--url=<url>] [--token=<token>]
        [--message_count=<message_count>]
    relayctl send [--url=<url>] [--token=<token>] --event=<event>
        [--query=<query>] [--object=<object>]
    relayctl token --auth_secret=<secret> --user_id=<user_id>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Relay websocket url.
    --token=<token>                  Session token. Prompted when absent.
    --message_count=<message_count>  Print this many messages then exit.
    --event=<event>                  Request verb, e.g. sendCommand.
    --query=<query>                  Request query as json.
    --object=<object>                Request object as json.
    --auth_secret=<secret>           Hmac secret the relay was started with.
    --user_id=<user_id>`,
		DefaultRelayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func tail(opts docopt.Opts) {
	messageCount := -1
	if messageCountAny := opts["--message_count"]; messageCountAny != nil {
		var err error
		messageCount, err = strconv.Atoi(messageCountAny.(string))
		if err != nil {
			panic(err)
		}
	}

	ws := dialAndAuthenticate(opts)
	defer ws.Close()

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		_, data, err := ws.ReadMessage()
		if err != nil {
			Err.Printf("read error = %s\n", err)
			os.Exit(1)
		}
		Out.Printf("%s\n", data)
	}
}

func send(opts docopt.Opts) {
	request := &relay.Request{
		Event: opts["--event"].(string),
	}
	if queryAny := opts["--query"]; queryAny != nil {
		request.Query = json.RawMessage(queryAny.(string))
	}
	if objectAny := opts["--object"]; objectAny != nil {
		request.Object = json.RawMessage(objectAny.(string))
	}

	ws := dialAndAuthenticate(opts)
	defer ws.Close()

	if err := ws.WriteJSON(request); err != nil {
		panic(err)
	}

	// print whatever comes back within a short window. most verbs only
	// reply on error.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		Out.Printf("%s\n", data)
	}
}

func token(opts docopt.Opts) {
	userId, err := relay.ParseId(opts["--user_id"].(string))
	if err != nil {
		panic(err)
	}
	sessionToken, err := relay.SignSessionToken([]byte(opts["--auth_secret"].(string)), userId)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", sessionToken)
}

func dialAndAuthenticate(opts docopt.Opts) *websocket.Conn {
	relayUrl := DefaultRelayUrl
	if urlAny := opts["--url"]; urlAny != nil {
		relayUrl = urlAny.(string)
	}

	var sessionToken string
	if tokenAny := opts["--token"]; tokenAny != nil {
		sessionToken = tokenAny.(string)
	} else {
		fmt.Print("Enter token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		sessionToken = string(tokenBytes)
		fmt.Printf("\n")
	}

	ws, _, err := websocket.DefaultDialer.Dial(relayUrl, nil)
	if err != nil {
		panic(err)
	}

	tokenJson, err := json.Marshal(sessionToken)
	if err != nil {
		panic(err)
	}
	err = ws.WriteJSON(&relay.Request{
		Event:  relay.VerbAuthenticate,
		Object: tokenJson,
	})
	if err != nil {
		panic(err)
	}

	// the first reply is the authenticate result
	_, data, err := ws.ReadMessage()
	if err != nil {
		panic(err)
	}
	var reply struct {
		Event string           `json:"event"`
		Data  relay.AuthResult `json:"data"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		panic(err)
	}
	if reply.Event != relay.MsgAuthenticate || !reply.Data.Success {
		panic(fmt.Errorf("authentication failed"))
	}
	return ws
}
