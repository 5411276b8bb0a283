package wirekit

import (
	"sync"
	"testing"
	"time"
)

var expectTimeout = time.Second * 1

type mockChannel struct {
	id   string
	sent chan *Envelope

	mu       sync.Mutex
	closed   bool
	failSend bool
}

func newMockChannel(id string) *mockChannel {
	return &mockChannel{
		id:   id,
		sent: make(chan *Envelope, 64),
	}
}

func (c *mockChannel) ID() string         { return c.id }
func (c *mockChannel) RemoteAddr() string { return c.id + ".mock.local" }

func (c *mockChannel) Send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failSend {
		return ErrChannelClosed
	}
	select {
	case c.sent <- env:
		return nil
	default:
		return ErrSendTimeout
	}
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *mockChannel) fail() {
	c.mu.Lock()
	c.failSend = true
	c.mu.Unlock()
}

// expectEnvelope waits for the next envelope of the given type, skipping
// envelopes of other types (roster pushes and announcements interleave
// with what a test is actually looking for).
func expectEnvelope(t *testing.T, ch *mockChannel, envType string) *Envelope {
	t.Helper()
	deadline := time.After(expectTimeout)
	for {
		select {
		case env := <-ch.sent:
			if env.Type == envType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q on %s", envType, ch.id)
			return nil
		}
	}
}

// expectNoEnvelope drains the channel and fails if an envelope of the
// given type shows up.
func expectNoEnvelope(t *testing.T, ch *mockChannel, envType string) {
	t.Helper()
	for {
		select {
		case env := <-ch.sent:
			if env.Type == envType {
				t.Fatalf("got unexpected %q on %s: %+v", envType, ch.id, env)
			}
		default:
			return
		}
	}
}

func expectEvent(t *testing.T, events <-chan Event, expect EventKind) Event {
	t.Helper()
	for {
		select {
		case evt := <-events:
			if evt.Kind == expect {
				return evt
			}
		case <-time.After(expectTimeout):
			t.Fatalf("timed out waiting for %q", expect)
			return Event{}
		}
	}
}
