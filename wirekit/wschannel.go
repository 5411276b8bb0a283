package wirekit

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	outboundQueueSize   = 256
	defaultSendTimeout  = time.Second
	defaultWriteTimeout = 10 * time.Second
)

// WSChannel wraps one websocket connection as a Channel. Outbound envelopes
// are queued and drained by a single writer goroutine, so Send never does
// network I/O and the websocket never sees concurrent writes.
type WSChannel struct {
	id   string
	conn *websocket.Conn

	out       chan *Envelope
	closed    chan struct{}
	closeOnce sync.Once

	sendTimeout  time.Duration
	writeTimeout time.Duration
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		id:           uuid.New().String(),
		conn:         conn,
		out:          make(chan *Envelope, outboundQueueSize),
		closed:       make(chan struct{}),
		sendTimeout:  defaultSendTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	go c.writer()
	return c
}

func (c *WSChannel) ID() string {
	return c.id
}

func (c *WSChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send enqueues with a bounded wait: a peer that can't drain its queue
// within the timeout is reported dead to the caller.
func (c *WSChannel) Send(env *Envelope) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	t := time.NewTimer(c.sendTimeout)
	defer t.Stop()
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-t.C:
		return ErrSendTimeout
	}
}

func (c *WSChannel) writer() {
	for {
		select {
		case env := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				logger.Debugf("write on channel %s failed: %s", c.id, err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// ReadEnvelope blocks for the next inbound envelope.
func (c *WSChannel) ReadEnvelope() (*Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Identity extracts the authenticated identity for a connection attempt.
// Authentication itself happens upstream (reverse proxy, middleware); the
// server trusts what it is handed.
type Identity func(r *http.Request) (userID, username string, err error)

// QueryIdentity trusts user_id/username query parameters. Suitable behind
// an authenticating proxy only.
func QueryIdentity(r *http.Request) (string, string, error) {
	q := r.URL.Query()
	if q.Get("user_id") == "" {
		return "", "", ErrNoUserID
	}
	return q.Get("user_id"), q.Get("username"), nil
}

// WSHandler upgrades HTTP requests to websocket channels and pumps inbound
// envelopes into the server until the connection dies.
type WSHandler struct {
	srv      *Server
	identity Identity
	upgrader websocket.Upgrader
}

func NewWSHandler(srv *Server, identity Identity) *WSHandler {
	if identity == nil {
		identity = QueryIdentity
	}
	return &WSHandler{
		srv:      srv,
		identity: identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, username, err := h.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("websocket upgrade from %s failed: %s", r.RemoteAddr, err)
		return
	}

	ch := NewWSChannel(conn)
	if err := h.srv.Connect(userID, username, ch); err != nil {
		logger.Errorf("connect for %s failed: %s", userID, err)
		ch.Close()
		return
	}

	go h.pump(ch)
}

func (h *WSHandler) pump(ch *WSChannel) {
	defer h.srv.Disconnect(ch)
	for {
		env, err := ch.ReadEnvelope()
		if err != nil {
			logger.Debugf("read on channel %s ended: %s", ch.ID(), err)
			return
		}
		h.srv.HandleEnvelope(ch, env)
	}
}
