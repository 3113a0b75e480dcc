// Package gateway is the socket-side half of the client session manager.
//
// It terminates client websockets, mints session uids, forwards client
// requests to the project sequencers through the broker and delivers the
// addressed broadcast frames back to its own sockets. Connection-level
// timers live here: heartbeats, the disconnect grace period and the response
// timeout.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/dyluth/tandem/internal/broker"
	"github.com/dyluth/tandem/internal/eventlog"
	"github.com/dyluth/tandem/pkg/collab"
)

// Publisher forwards client envelopes to the project sequencers.
type Publisher interface {
	PublishEnvelope(ctx context.Context, env *collab.Envelope) error
}

// Subscriber delivers the broadcast exchange.
type Subscriber interface {
	SubscribeBroadcast(ctx context.Context) (*broker.Subscription, error)
}

// Config tunes the gateway.
type Config struct {
	InstanceName string

	PingInterval     time.Duration
	AutoCloseTimeout time.Duration
	DisconnectGrace  time.Duration
	ResponseTimeout  time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64

	// RedirectURL is where sessions that cannot be admitted are sent.
	RedirectURL string

	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string

	// JWTSecret enables token verification. Empty trusts the auth fields.
	JWTSecret string

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.AutoCloseTimeout <= 0 {
		c.AutoCloseTimeout = 3 * c.PingInterval
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 15 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Gateway owns every socket of this process.
type Gateway struct {
	cfg         Config
	publisher   Publisher
	credentials Credentials
	events      *eventlog.Logger
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sockets  map[*Conn]struct{}
	sessions map[string]*Conn       // uid -> socket
	graces   map[string]*time.Timer // uid -> pending timeout destroy
	closed   bool
}

// New creates a gateway.
func New(cfg Config, publisher Publisher) (*Gateway, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	cfg.applyDefaults()

	var credentials Credentials = TrustedCredentials{}
	if cfg.JWTSecret != "" {
		credentials = NewJWTCredentials(cfg.JWTSecret)
	}

	g := &Gateway{
		cfg:         cfg,
		publisher:   publisher,
		credentials: credentials,
		events:      eventlog.New("gateway", cfg.InstanceName, "[Gateway]"),
		sockets:     make(map[*Conn]struct{}),
		sessions:    make(map[string]*Conn),
		graces:      make(map[string]*time.Timer),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

// Router returns the HTTP routes of the gateway.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", g.ServeWS).Methods(http.MethodGet)
	return r
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs the socket until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.events.Printf("Upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws, uuid.NewString(), g.cfg.Now())
	g.mu.Lock()
	g.sockets[c] = struct{}{}
	g.mu.Unlock()

	// Until the heartbeat takes over, a socket that never completes auth is
	// dropped after the auto-close timeout.
	c.ws.SetReadDeadline(time.Now().Add(g.cfg.AutoCloseTimeout))

	go c.writePump(g.cfg.PingInterval, g.cfg.WriteTimeout)
	g.readPump(c)
	g.onClosed(c)
}

func (g *Gateway) readPump(c *Conn) {
	c.ws.SetReadLimit(g.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.pong(g.cfg.Now(), g.cfg.AutoCloseTimeout)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				g.events.Printf("Socket %s did not authorize in time", c.socketID)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.events.Printf("Socket %s read failed: %v", c.socketID, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(collab.NewErrorResponse("", collab.CodeValidation, err.Error()), false)
			continue
		}
		g.handle(c, &msg)
	}
}

func (g *Gateway) handle(c *Conn, msg *ClientMessage) {
	switch msg.Type {
	case collab.KindAuthMessage:
		g.handleAuth(c, msg)
	case collab.KindOperationsMessage:
		g.handleOperations(c, msg)
	case collab.KindDestroyMessage:
		g.handleDestroy(c, msg)
	default:
		c.enqueue(collab.NewErrorResponse(msg.RequestID, collab.CodeValidation, fmt.Sprintf("unknown message type %q", msg.Type)), false)
	}
}

func (g *Gateway) handleAuth(c *Conn, msg *ClientMessage) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.enqueue(collab.NewErrorResponse(msg.RequestID, collab.CodeValidation, "already authorized"), false)
		return
	}

	auth := msg.Auth
	if auth == nil || auth.ProjectID == 0 || auth.ViewerID == 0 {
		c.state = StateDestroying
		c.destroySent = true
		c.mu.Unlock()

		g.events.Warn("invalid_session", map[string]interface{}{"socket": c.socketID})
		c.enqueue(collab.Response{
			RequestID: msg.RequestID,
			Destroy:   &collab.DestroyResponse{Location: g.cfg.RedirectURL, Reason: "invalid session"},
		}, true)
		return
	}
	c.mu.Unlock()

	access, err := g.credentials.Verify(auth)
	if err != nil {
		c.mu.Lock()
		c.state = StateDestroying
		c.destroySent = true
		c.mu.Unlock()

		g.events.Warn("auth_rejected", map[string]interface{}{
			"socket":  c.socketID,
			"project": auth.ProjectID,
			"viewer":  auth.ViewerID,
			"error":   err.Error(),
		})
		resp := collab.NewErrorResponse(msg.RequestID, collab.CodeNotAuthorized, "invalid credentials")
		resp.Destroy = &collab.DestroyResponse{Location: g.cfg.RedirectURL, Reason: "not authorized"}
		c.enqueue(resp, true)
		return
	}

	uid := collab.UID{
		UserID:    auth.ViewerID,
		ProjectID: auth.ProjectID,
		SocketID:  c.socketID,
		Epoch:     g.cfg.Now().UnixMilli(),
	}

	c.mu.Lock()
	c.uid = uid
	c.state = StateAuthorizing
	c.authPending = true
	c.mu.Unlock()

	g.mu.Lock()
	g.sessions[uid.String()] = c
	g.mu.Unlock()

	forwarded := *auth
	forwarded.Token = ""
	forwarded.Access = access
	g.forward(c, msg.RequestID, &collab.Envelope{UID: uid, Auth: &forwarded}, false)
}

func (g *Gateway) handleOperations(c *Conn, msg *ClientMessage) {
	if !c.canOperate() {
		g.events.Printf("Dropping operations from unauthorized socket %s", c.socketID)
		return
	}
	uid := c.UID()

	ops := msg.Operations
	if ops == nil {
		ops = []collab.Operation{}
	}
	collab.ZeroClientIDs(ops, uid.ClientID())
	g.forward(c, msg.RequestID, &collab.Envelope{UID: uid, Operations: ops}, false)
}

func (g *Gateway) handleDestroy(c *Conn, msg *ClientMessage) {
	c.mu.Lock()
	uid := c.uid
	c.destroyReceived = true
	c.state = StateDestroying
	c.mu.Unlock()

	if uid.IsZero() {
		c.shutdown()
		return
	}

	req := &collab.DestroyRequest{}
	if msg.Destroy != nil {
		req.Reason = msg.Destroy.Reason
	}
	g.forward(c, msg.RequestID, &collab.Envelope{UID: uid, Destroy: req}, true)
}

// forward publishes env on behalf of c and starts its response timeout.
// closeOnTimeout closes the socket after the timeout error.
func (g *Gateway) forward(c *Conn, clientRequestID string, env *collab.Envelope, closeOnTimeout bool) {
	env.RequestID = ulid.Make().String()
	env.Timestamp = g.cfg.Now().UnixMilli()
	kind := env.Kind()

	c.track(env.RequestID, clientRequestID, kind, g.cfg.ResponseTimeout, func() {
		g.events.Warn("response_timeout", map[string]interface{}{
			"uid":     env.UID.String(),
			"request": env.RequestID,
			"kind":    string(kind),
		})
		c.enqueue(collab.NewErrorResponse(clientRequestID, collab.CodeTimeout, "no response in time"), closeOnTimeout)
	})

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ResponseTimeout)
	defer cancel()

	if err := g.publisher.PublishEnvelope(ctx, env); err != nil {
		c.settle(env.RequestID)
		g.events.Error("forward_failed", map[string]interface{}{
			"uid":   env.UID.String(),
			"kind":  string(kind),
			"error": err.Error(),
		})
		c.enqueue(collab.NewErrorResponse(clientRequestID, collab.CodeInternal, "request could not be delivered"), closeOnTimeout)
	}
}

// onClosed cleans up after a socket. A session that ended without a destroy
// gets the disconnect grace period to come back.
func (g *Gateway) onClosed(c *Conn) {
	c.shutdown()
	c.release()

	c.mu.Lock()
	uid := c.uid
	ended := c.destroyReceived || c.destroySent || c.superseded
	c.mu.Unlock()

	g.mu.Lock()
	delete(g.sockets, c)
	key := uid.String()
	if g.sessions[key] == c {
		delete(g.sessions, key)
	}
	closed := g.closed
	g.mu.Unlock()

	if uid.IsZero() || ended || closed {
		return
	}
	g.startGrace(uid)
}

func (g *Gateway) startGrace(uid collab.UID) {
	key := uid.String()

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.graces[key]; exists {
		return
	}
	g.graces[key] = time.AfterFunc(g.cfg.DisconnectGrace, func() {
		g.mu.Lock()
		_, ok := g.graces[key]
		delete(g.graces, key)
		g.mu.Unlock()
		if ok {
			g.destroyOnTimeout(uid)
		}
	})
	g.events.Info("grace_started", map[string]interface{}{"uid": key})
}

// destroyOnTimeout ends a session whose socket never came back.
func (g *Gateway) destroyOnTimeout(uid collab.UID) {
	env := &collab.Envelope{
		UID:       uid,
		RequestID: ulid.Make().String(),
		Destroy:   &collab.DestroyRequest{OnTimeout: true, Reason: "disconnected"},
		Timestamp: g.cfg.Now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ResponseTimeout)
	defer cancel()
	if err := g.publisher.PublishEnvelope(ctx, env); err != nil {
		g.events.Error("timeout_destroy_failed", map[string]interface{}{"uid": uid.String(), "error": err.Error()})
		return
	}
	g.events.Info("timeout_destroy", map[string]interface{}{"uid": uid.String()})
}

// Deliver hands an addressed frame to the local sockets it targets.
func (g *Gateway) Deliver(frame *collab.BroadcastFrame) {
	for _, target := range frame.Targets {
		g.mu.Lock()
		c := g.sessions[target]
		grace, waiting := g.graces[target]
		if c == nil && waiting && frame.Response.Destroy != nil && frame.Response.Destroy.ForceClose {
			// A reconnect claimed the session; it must not be destroyed.
			grace.Stop()
			delete(g.graces, target)
		}
		g.mu.Unlock()

		if c == nil {
			if waiting {
				g.events.Printf("Session %s superseded during its grace period", target)
			}
			continue
		}
		g.deliverTo(c, frame.Response)
	}
}

func (g *Gateway) deliverTo(c *Conn, resp collab.Response) {
	var kind collab.MessageKind
	if req, ok := c.settle(resp.RequestID); ok {
		kind = req.kind
		resp.RequestID = req.clientID
	} else {
		resp.RequestID = ""
	}

	closeAfter := false
	heartbeat := false

	c.mu.Lock()
	switch {
	case resp.Auth != nil:
		c.authPending = false
		if resp.Auth.Busy {
			c.state = StateDestroying
			c.destroySent = true
			closeAfter = true
		} else {
			c.state = StateAuthorized
			heartbeat = true
		}

	case resp.Destroy != nil:
		c.state = StateDestroying
		if resp.Destroy.ForceClose {
			c.superseded = true
		} else {
			c.destroySent = true
		}
		closeAfter = true

	case kind == collab.KindAuthMessage && resp.Error != nil:
		// The sequencer refused the session.
		c.authPending = false
		c.state = StateDestroying
		c.destroySent = true
		closeAfter = true
	}
	c.mu.Unlock()

	if heartbeat {
		c.startHeartbeat(g.cfg.AutoCloseTimeout)
	}
	c.enqueue(resp, closeAfter)
}

// Run delivers broadcast frames to local sockets until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, sub Subscriber) error {
	s, err := sub.SubscribeBroadcast(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to broadcast exchange: %w", err)
	}
	defer s.Close()

	g.events.Printf("Gateway delivering broadcast frames")
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-s.Messages():
			if !ok {
				return nil
			}
			frame, err := msg.Frame()
			if err != nil {
				g.events.Printf("Skipping broadcast message: %v", err)
				continue
			}
			g.Deliver(frame)

		case err, ok := <-s.Errors():
			if !ok {
				return nil
			}
			g.events.Printf("Broadcast subscription error: %v", err)
		}
	}
}

// Stats describes the gateway's sockets.
type Stats struct {
	Sockets  int `json:"sockets"`
	Sessions int `json:"sessions"`
	Grace    int `json:"grace"`
}

// Stats returns socket and session counts.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Sockets: len(g.sockets), Sessions: len(g.sessions), Grace: len(g.graces)}
}

// Shutdown stops accepting sockets, ends the sessions still in their grace
// period and closes every socket. Clients reconnect elsewhere and resume.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.closed = true
	var expired []collab.UID
	for key, timer := range g.graces {
		timer.Stop()
		if uid, err := collab.ParseUID(key); err == nil {
			expired = append(expired, uid)
		}
		delete(g.graces, key)
	}
	sockets := make([]*Conn, 0, len(g.sockets))
	for c := range g.sockets {
		sockets = append(sockets, c)
	}
	g.mu.Unlock()

	for _, uid := range expired {
		if ctx.Err() != nil {
			break
		}
		g.destroyOnTimeout(uid)
	}
	for _, c := range sockets {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(g.cfg.WriteTimeout))
		c.shutdown()
	}
	g.events.Info("gateway_shutdown", map[string]interface{}{
		"sockets": len(sockets),
		"expired": len(expired),
	})
}
