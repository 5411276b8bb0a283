package chatclient

import (
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirechat/wirechatd/wirekit"
)

const dialTimeout = 10 * time.Second

// WSDialer returns a Dialer for the server's websocket endpoint. Identity
// travels as query parameters; real deployments put an authenticating
// proxy in front.
func WSDialer(rawURL, userID, username string) Dialer {
	return func() (Conn, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("user_id", userID)
		q.Set("username", username)
		u.RawQuery = q.Encode()

		dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.Dial(u.String(), nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadEnvelope() (*wirekit.Envelope, error) {
	var env wirekit.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) WriteEnvelope(env *wirekit.Envelope) error {
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
