package chatclient

import (
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"

	"github.com/wirechat/wirechatd/wirekit"
)

var ErrNotConnected = errors.New("not connected")

// State of the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Conn is one established transport connection.
type Conn interface {
	ReadEnvelope() (*wirekit.Envelope, error)
	WriteEnvelope(*wirekit.Envelope) error
	Close() error
}

// Dialer establishes a new connection. Injectable so the reconnection
// logic is testable without a real server.
type Dialer func() (Conn, error)

type Options struct {
	// URL of the server websocket endpoint, e.g. ws://host:8080/ws.
	URL      string
	UserID   string
	Username string

	// MaxAttempts before the client gives up and goes to Failed
	// (default 5). Failed is terminal until ManualReconnect.
	MaxAttempts int
	// BackoffMin is the delay before the first retry (default 1s).
	BackoffMin time.Duration
	// BackoffMax caps the retry delay (default 30s).
	BackoffMax time.Duration

	// Dialer overrides the websocket dialer.
	Dialer Dialer
}

// Client supervises one connection to the chat server: it dials, feeds
// inbound envelopes to EnvelopeChan, and on an unintentional disconnect
// retries with exponential backoff until it reconnects or runs out of
// attempts. State changes are pushed to StateChan for UI rendering.
type Client struct {
	sync.Mutex

	opts  Options
	conn  Conn
	state State

	attempts int
	b        *backoff.Backoff
	retry    *time.Timer

	// gen guards against a stale read loop reporting a disconnect for a
	// connection that has already been replaced or closed
	gen      int
	quitting bool

	EnvelopeChan chan *wirekit.Envelope
	StateChan    chan State

	logger     *logrus.Entry
	rootLogger *logrus.Logger
}

func New(opts Options) *Client {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}

	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 13,
		DisableColors: true,
	})

	c := &Client{
		opts:  opts,
		state: Disconnected,
		b: &backoff.Backoff{
			Min:    opts.BackoffMin,
			Max:    opts.BackoffMax,
			Factor: 2,
		},
		EnvelopeChan: make(chan *wirekit.Envelope, 100),
		StateChan:    make(chan State, 16),
		rootLogger:   rootLogger,
		logger:       rootLogger.WithFields(logrus.Fields{"prefix": "chatclient"}),
	}
	if c.opts.Dialer == nil {
		c.opts.Dialer = WSDialer(opts.URL, opts.UserID, opts.Username)
	}
	return c
}

// SetLogLevel tries to parse the specified level and if successful sets
// the log level accordingly. Accepted levels are: 'debug', 'info', 'warn',
// 'error', 'fatal' and 'panic'.
func (c *Client) SetLogLevel(level string) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		c.logger.Warnf("Failed to parse specified log-level '%s': %#v", level, err)
	} else {
		c.rootLogger.SetLevel(l)
	}
}

// Connect establishes the initial connection. A failure here is returned
// to the caller rather than retried: backoff only supervises connections
// that were lost, not ones that never existed.
func (c *Client) Connect() error {
	c.Lock()
	if c.state == Connecting || c.state == Connected {
		c.Unlock()
		return nil
	}
	c.quitting = false
	c.setState(Connecting)
	c.Unlock()

	conn, err := c.opts.Dialer()
	if err != nil {
		c.Lock()
		c.setState(Disconnected)
		c.Unlock()
		return err
	}

	c.adopt(conn)
	return nil
}

// adopt installs a fresh connection and starts its read loop. A connection
// that loses the race against Close, or against another successful dial, is
// closed rather than leaked.
func (c *Client) adopt(conn Conn) {
	c.Lock()
	if c.quitting {
		c.Unlock()
		conn.Close()
		return
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.attempts = 0
	c.b.Reset()
	c.gen++
	gen := c.gen
	c.setState(Connected)
	c.Unlock()

	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn Conn, gen int) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.EnvelopeChan <- env
	}
}

func (c *Client) handleDisconnect(gen int, err error) {
	c.Lock()
	if c.quitting || gen != c.gen {
		// intentional close, or this connection was already replaced
		c.Unlock()
		return
	}
	c.logger.Infof("connection lost: %s", err)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setState(Reconnecting)
	c.Unlock()

	c.scheduleAttempt()
}

// scheduleAttempt arms the retry timer for the next reconnection attempt.
// The attempt counter increments once per scheduled attempt.
func (c *Client) scheduleAttempt() {
	c.Lock()
	defer c.Unlock()

	if c.quitting {
		return
	}
	if c.attempts >= c.opts.MaxAttempts {
		c.logger.Errorf("giving up after %d reconnect attempts", c.attempts)
		c.setState(Failed)
		return
	}

	c.attempts++
	d := c.b.Duration()
	c.logger.Infof("reconnect attempt %d/%d in %s", c.attempts, c.opts.MaxAttempts, d)
	c.retry = time.AfterFunc(d, c.attemptReconnect)
}

func (c *Client) attemptReconnect() {
	c.Lock()
	if c.quitting {
		c.Unlock()
		return
	}
	c.Unlock()

	conn, err := c.opts.Dialer()
	if err != nil {
		c.logger.Debugf("reconnect failed: %s", err)
		c.scheduleAttempt()
		return
	}

	c.logger.Info("reconnected")
	c.adopt(conn)
}

// ManualReconnect cancels any pending scheduled attempt, resets the
// attempt counter and dials immediately. This is the retry affordance the
// UI offers once the client is Failed; it is a no-op while Connecting and
// after Close (a closed client is revived with Connect).
func (c *Client) ManualReconnect() {
	c.Lock()
	if c.quitting || c.state == Connecting {
		c.Unlock()
		return
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.attempts = 0
	c.b.Reset()
	c.logger.Info("manual reconnect")
	c.setState(Reconnecting)
	c.Unlock()

	go c.attemptReconnect()
}

// Close tears the client down: pending retry timers are cancelled so
// nothing fires after the owner is gone.
func (c *Client) Close() {
	c.Lock()
	c.quitting = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setState(Disconnected)
	c.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Client) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

func (c *Client) Attempts() int {
	c.Lock()
	defer c.Unlock()
	return c.attempts
}

func (c *Client) MaxAttempts() int {
	return c.opts.MaxAttempts
}

// caller must hold c.Mutex
func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debugf("state %s -> %s", c.state, s)
	c.state = s
	select {
	case c.StateChan <- s:
	default: // Skip if full.
	}
}

// Send writes an envelope on the current connection.
func (c *Client) Send(env *wirekit.Envelope) error {
	c.Lock()
	conn := c.conn
	c.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteEnvelope(env)
}

func (c *Client) JoinRoom(room string) error {
	return c.Send(&wirekit.Envelope{Type: wirekit.JoinMsg, Room: room})
}

func (c *Client) LeaveRoom(room string) error {
	return c.Send(&wirekit.Envelope{Type: wirekit.LeaveMsg, Room: room})
}

func (c *Client) SendText(room, text string) error {
	return c.Send(&wirekit.Envelope{Type: wirekit.TextMsg, Room: room, Text: text})
}

func (c *Client) SendPrivate(recipient, text string) error {
	return c.Send(&wirekit.Envelope{Type: wirekit.PrivateMsg, Recipient: recipient, Text: text})
}

// PrivateHistory asks the server for the stored conversation with the
// given user; the reply arrives on EnvelopeChan as a history envelope.
func (c *Client) PrivateHistory(userID string) error {
	return c.Send(&wirekit.Envelope{Type: wirekit.HistoryMsg, Recipient: userID})
}

func (c *Client) Typing(room string, typing bool) error {
	t := wirekit.TypingMsg
	if !typing {
		t = wirekit.StopTypingMsg
	}
	return c.Send(&wirekit.Envelope{Type: t, Room: room})
}
