package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dyluth/tandem/pkg/collab"
)

// State is the lifecycle phase of a socket connection.
type State int

const (
	StateConnecting State = iota
	StateAuthorizing
	StateAuthorized
	StateDestroying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateAuthorized:
		return "authorized"
	case StateDestroying:
		return "destroying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientMessage is a frame read from a socket.
type ClientMessage struct {
	Type       collab.MessageKind     `json:"type"`
	RequestID  string                 `json:"requestId,omitempty"`
	Auth       *collab.AuthRequest    `json:"auth,omitempty"`
	Operations []collab.Operation     `json:"operations,omitempty"`
	Destroy    *collab.DestroyRequest `json:"destroy,omitempty"`
}

type outbound struct {
	data  []byte
	close bool // close the socket once data is written
}

// Conn is one live socket.
type Conn struct {
	ws       *websocket.Conn
	socketID string
	send     chan outbound
	done     chan struct{}
	closing  sync.Once

	mu              sync.Mutex
	state           State
	uid             collab.UID
	authPending     bool
	destroySent     bool // the server ended the session
	destroyReceived bool // the client ended the session
	superseded      bool // a reconnect took the session over
	lastHeartbeat   time.Time
	autoClose       *time.Timer
	heartbeat       chan struct{}
	pending         map[string]*pendingRequest
}

// pendingRequest is a forwarded request waiting for its response.
type pendingRequest struct {
	timer    *time.Timer
	kind     collab.MessageKind
	clientID string // request id the client chose, echoed back in the response
}

func newConn(ws *websocket.Conn, socketID string, now time.Time) *Conn {
	return &Conn{
		ws:            ws,
		socketID:      socketID,
		send:          make(chan outbound, 64),
		done:          make(chan struct{}),
		state:         StateConnecting,
		lastHeartbeat: now,
		heartbeat:     make(chan struct{}),
		pending:       make(map[string]*pendingRequest),
	}
}

// UID returns the session identity, zero before auth.
func (c *Conn) UID() collab.UID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// State returns the connection's lifecycle phase.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// canOperate reports whether operations from this socket may be forwarded.
func (c *Conn) canOperate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateAuthorized || c.authPending
}

// enqueue queues a response for the writer. Returns false once the socket is gone.
func (c *Conn) enqueue(resp collab.Response, closeAfter bool) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		return false
	}
	select {
	case c.send <- outbound{data: data, close: closeAfter}:
		return true
	case <-c.done:
		return false
	default:
		// Writer is stuck; the client is too slow to keep.
		c.shutdown()
		return false
	}
}

// track starts the response timeout of a forwarded request.
func (c *Conn) track(requestID, clientID string, kind collab.MessageKind, timeout time.Duration, expire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[requestID] = &pendingRequest{
		kind:     kind,
		clientID: clientID,
		timer: time.AfterFunc(timeout, func() {
			c.mu.Lock()
			_, ok := c.pending[requestID]
			delete(c.pending, requestID)
			c.mu.Unlock()
			if ok {
				expire()
			}
		}),
	}
}

// settle clears the response timeout of a request and returns it.
func (c *Conn) settle(requestID string) (*pendingRequest, bool) {
	if requestID == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[requestID]
	if ok {
		req.timer.Stop()
		delete(c.pending, requestID)
	}
	return req, ok
}

// startHeartbeat arms the auto-close timer, lifts the auth read deadline and
// starts pinging.
func (c *Conn) startHeartbeat(autoClose time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoClose != nil {
		return
	}
	c.autoClose = time.AfterFunc(autoClose, c.shutdown)
	c.ws.SetReadDeadline(time.Time{})
	close(c.heartbeat)
}

// pong records a heartbeat and pushes the auto-close deadline back.
func (c *Conn) pong(now time.Time, autoClose time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
	if c.autoClose != nil {
		c.autoClose.Reset(autoClose)
	}
}

// shutdown closes the socket immediately. Safe to call multiple times.
func (c *Conn) shutdown() {
	c.closing.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// release stops every timer of the connection and marks it closed.
func (c *Conn) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	if c.autoClose != nil {
		c.autoClose.Stop()
	}
	for id, req := range c.pending {
		req.timer.Stop()
		delete(c.pending, id)
	}
}

// writePump is the only writer of the socket.
func (c *Conn) writePump(pingInterval, writeTimeout time.Duration) {
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		c.shutdown()
	}()

	var ping <-chan time.Time
	heartbeat := c.heartbeat

	for {
		select {
		case <-c.done:
			return

		case <-heartbeat:
			ticker = time.NewTicker(pingInterval)
			ping = ticker.C
			heartbeat = nil

		case <-ping:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}
			if msg.close {
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
		}
	}
}
