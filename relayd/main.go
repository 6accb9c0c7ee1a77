package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/ircanywhere/relay/relay"
)

const RelaydVersion = "0.1.0"

const DefaultListen = ":6500"
const DefaultStore = "memory"
const DefaultDbPath = "relay.db"

const loginTokenTtl = 30 * 24 * time.Hour

// flags override env, env overrides defaults
type envConfig struct {
	Listen     string `env:"RELAY_LISTEN"`
	Store      string `env:"RELAY_STORE"`
	DbPath     string `env:"RELAY_DB"`
	AuthSecret string `env:"RELAY_AUTH_SECRET"`
}

func main() {
	usage := fmt.Sprintf(
		`Relay daemon.

Serves the websocket sync endpoint plus a /status json endpoint.
Every flag can also be set with RELAY_LISTEN, RELAY_STORE, RELAY_DB
and RELAY_AUTH_SECRET.

Usage:
    relayd serve [--listen=<addr>] [--store=<kind>] [--db=<path>]
        [--auth_secret=<secret>]
    relayd add-user --name=<name> [--email=<email>]
        [--store=<kind>] [--db=<path>] [--auth_secret=<secret>]

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --listen=<addr>           Listen address [default: %s].
    --store=<kind>            Store kind, memory or sqlite [default: %s].
    --db=<path>               Sqlite database path [default: %s].
    --auth_secret=<secret>    Validate hmac session tokens instead of
                              stored login tokens.
    --name=<name>             Account name.
    --email=<email>           Account email.`,
		DefaultListen,
		DefaultStore,
		DefaultDbPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelaydVersion)
	if err != nil {
		panic(err)
	}

	config := &envConfig{}
	if err := env.Parse(config); err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts, config)
	} else if addUser_, _ := opts.Bool("add-user"); addUser_ {
		addUser(opts, config)
	}
}

func serve(opts docopt.Opts, config *envConfig) {
	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := openStore(opts, config)
	defer closeStore(store)

	listen := stringOpt(opts, "--listen", config.Listen, DefaultListen)

	server := relay.NewServerWithDefaults(
		cancelCtx,
		store,
		newAuthenticator(opts, config, store),
		relay.NewLocalSessionManager(store),
	)
	defer server.Close()

	glog.Infof("[relayd]listen %s\n", listen)
	err := server.ListenAndServe(listen)
	if err != nil && err != http.ErrServerClosed {
		glog.Errorf("[relayd]serve error = %s\n", err)
		os.Exit(1)
	}
}

func addUser(opts docopt.Opts, config *envConfig) {
	ctx := context.Background()

	store := openStore(opts, config)
	defer closeStore(store)

	var email string
	if emailAny := opts["--email"]; emailAny != nil {
		email = emailAny.(string)
	}

	token := relay.NewId().String()
	user := &relay.User{
		Id:    relay.NewId(),
		Name:  opts["--name"].(string),
		Email: email,
		Tokens: map[string]time.Time{
			token: time.Now().Add(loginTokenTtl),
		},
	}
	if err := store.InsertUser(ctx, user); err != nil {
		panic(err)
	}

	out := map[string]string{
		"user_id": user.Id.String(),
		"token":   token,
	}
	if secret := stringOpt(opts, "--auth_secret", config.AuthSecret, ""); secret != "" {
		sessionToken, err := relay.SignSessionToken([]byte(secret), user.Id)
		if err != nil {
			panic(err)
		}
		out["session_token"] = sessionToken
	}
	outJson, err := json.Marshal(out)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", outJson)
}

func openStore(opts docopt.Opts, config *envConfig) relay.Store {
	switch kind := stringOpt(opts, "--store", config.Store, DefaultStore); kind {
	case "memory":
		return relay.NewMemoryStore()
	case "sqlite":
		store, err := relay.NewSqliteStore(stringOpt(opts, "--db", config.DbPath, DefaultDbPath))
		if err != nil {
			panic(err)
		}
		return store
	default:
		panic(fmt.Errorf("unknown store kind %s", kind))
	}
}

func closeStore(store relay.Store) {
	switch v := store.(type) {
	case *relay.MemoryStore:
		v.Close()
	case *relay.SqliteStore:
		v.Close()
	}
}

func newAuthenticator(opts docopt.Opts, config *envConfig, store relay.Store) relay.Authenticator {
	if secret := stringOpt(opts, "--auth_secret", config.AuthSecret, ""); secret != "" {
		return relay.NewJwtAuthenticator(store, []byte(secret))
	}
	return relay.NewStoreAuthenticator(store)
}

func stringOpt(opts docopt.Opts, name string, envValue string, defaultValue string) string {
	if valueAny := opts[name]; valueAny != nil {
		if value := valueAny.(string); value != defaultValue {
			return value
		}
	}
	if envValue != "" {
		return envValue
	}
	return defaultValue
}
