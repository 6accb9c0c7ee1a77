package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ConnSettings       *ConnSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        45 * time.Second,
		ConnSettings:       DefaultConnSettings(),
	}
}

// the websocket endpoint. each upgraded connection gets a `Conn` whose
// requests flow through the dispatcher; the change router fans store
// mutations back out to registered connections.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      Store
	registry   *ConnectionRegistry
	dispatcher *Dispatcher
	router     *ChangeRouter
	settings   *ServerSettings

	upgrader websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, store Store, auth Authenticator, sessions SessionManager) *Server {
	return NewServer(ctx, store, auth, sessions, DefaultServerSettings())
}

func NewServer(ctx context.Context, store Store, auth Authenticator, sessions SessionManager, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)

	registry := NewConnectionRegistry()
	burst := NewBurstSynchronizerWithDefaults(store, registry)
	dispatcher := NewDispatcher(store, registry, auth, sessions, burst)
	router := NewChangeRouter(cancelCtx, store, registry)

	return &Server{
		ctx:        cancelCtx,
		cancel:     cancel,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		router:     router,
		settings:   settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
	}
}

func (self *Server) Registry() *ConnectionRegistry {
	return self.registry
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/status":
		self.serveStatus(w, r)
	default:
		self.serveWs(w, r)
	}
}

func (self *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: self,
	}
	go func() {
		select {
		case <-self.ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	return httpServer.ListenAndServe()
}

func (self *Server) Close() {
	self.cancel()
	self.router.Close()
}

func (self *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[ws]upgrade error = %s\n", err)
		return
	}

	transport := newWsTransport(ws, self.settings)
	conn := NewConn(self.ctx, transport, self.settings.ConnSettings)
	glog.V(1).Infof("[ws]open %s\n", conn.ConnId())

	conn.Run(self.dispatcher.Handle)

	// a disconnecting socket unregisters immediately. in-flight sends
	// to it become no-ops.
	self.registry.Unregister(conn)
	glog.V(1).Infof("[ws]close %s\n", conn.ConnId())
}

func (self *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	type statusResult struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	responseJson, err := json.Marshal(&statusResult{
		Status:      "ok",
		Connections: self.registry.ConnCount(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

// one json object per websocket text message, with control pings on an
// idle write side
type wsTransport struct {
	ws       *websocket.Conn
	settings *ServerSettings

	writeLock sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newWsTransport(ws *websocket.Conn, settings *ServerSettings) *wsTransport {
	transport := &wsTransport{
		ws:       ws,
		settings: settings,
		closed:   make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})
	go transport.pingLoop()
	return transport
}

func (self *wsTransport) pingLoop() {
	for {
		select {
		case <-self.closed:
			return
		case <-time.After(self.settings.PingTimeout):
			self.writeLock.Lock()
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := self.ws.WriteMessage(websocket.PingMessage, nil)
			self.writeLock.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (self *wsTransport) ReadRequest() (*Request, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, data, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var request Request
		if err := json.Unmarshal(data, &request); err != nil || request.Event == "" {
			// a malformed frame is skipped, not fatal
			glog.V(2).Infof("[ws]skip malformed frame\n")
			continue
		}
		return &request, nil
	}
}

func (self *wsTransport) WriteMessage(message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, data)
}

func (self *wsTransport) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return self.ws.Close()
}
