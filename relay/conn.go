package relay

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the framed transport under a connection. the websocket implementation
// lives in the server; tests use channel-backed fakes.
type MessageTransport interface {
	ReadRequest() (*Request, error)
	WriteMessage(message *Message) error
	Close() error
}

type ConnSettings struct {
	SendBufferSize int
	// an unauthenticated connection is torn down after this
	AuthTimeout time.Duration
}

func DefaultConnSettings() *ConnSettings {
	return &ConnSettings{
		SendBufferSize: 256,
		AuthTimeout:    15 * time.Second,
	}
}

// one live client connection. inbound requests are dispatched in
// arrival order by a single worker, and outbound messages flow through
// a buffered send queue drained by a single writer. sends after
// disconnect are dropped silently.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	connId    Id
	transport MessageTransport
	settings  *ConnSettings

	send chan *Message

	stateLock sync.Mutex
	userId    Id
	authTimer *time.Timer
}

func NewConnWithDefaults(ctx context.Context, transport MessageTransport) *Conn {
	return NewConn(ctx, transport, DefaultConnSettings())
}

func NewConn(ctx context.Context, transport MessageTransport, settings *ConnSettings) *Conn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		ctx:       cancelCtx,
		cancel:    cancel,
		connId:    NewId(),
		transport: transport,
		settings:  settings,
		send:      make(chan *Message, settings.SendBufferSize),
	}
	if 0 < settings.AuthTimeout {
		conn.authTimer = time.AfterFunc(settings.AuthTimeout, func() {
			if (conn.UserId() == Id{}) {
				glog.V(1).Infof("[ws]auth timeout %s\n", conn.connId)
				conn.Close()
			}
		})
	}
	go conn.writeLoop()
	return conn
}

func (self *Conn) ConnId() Id {
	return self.connId
}

func (self *Conn) UserId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.userId
}

func (self *Conn) SetUserId(userId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.userId = userId
	if self.authTimer != nil {
		self.authTimer.Stop()
		self.authTimer = nil
	}
}

func (self *Conn) Done() <-chan struct{} {
	return self.ctx.Done()
}

// queues a message for the writer. a closed connection or a full send
// queue drops the message, so fanout never blocks on one slow client.
// a dropped delta is reconciled by the client's next burst.
func (self *Conn) Send(message *Message) {
	select {
	case <-self.ctx.Done():
	case self.send <- message:
	default:
		glog.V(1).Infof("[ws]%s-> drop %s\n", self.connId, message.Event)
	}
}

// reads and dispatches requests in arrival order. returns when the
// transport closes.
func (self *Conn) Run(handle func(ctx context.Context, conn *Conn, request *Request)) {
	defer self.cancel()

	for {
		request, err := self.transport.ReadRequest()
		if err != nil {
			glog.V(2).Infof("[ws]%s<- closed = %s\n", self.connId, err)
			return
		}
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		handle(self.ctx, self, request)
	}
}

func (self *Conn) Close() {
	self.cancel()
}

func (self *Conn) writeLoop() {
	defer self.transport.Close()

	for {
		select {
		case <-self.ctx.Done():
			self.drain()
			return
		case message := <-self.send:
			if err := self.transport.WriteMessage(message); err != nil {
				glog.V(2).Infof("[ws]%s-> error = %s\n", self.connId, err)
				self.cancel()
				return
			}
		}
	}
}

// flushes whatever is already queued so a terminal message, like a
// fatal authenticate reply, reaches the client before the close
func (self *Conn) drain() {
	for {
		select {
		case message := <-self.send:
			if err := self.transport.WriteMessage(message); err != nil {
				return
			}
		default:
			return
		}
	}
}
