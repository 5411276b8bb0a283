package wirekit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	ch := newMockChannel("ch1")

	prev := r.Register("alice", "Alice", ch)
	assert.Nil(t, prev)

	byUser, ok := r.LookupUser("alice")
	require.True(t, ok)
	byChannel, ok := r.LookupChannel("ch1")
	require.True(t, ok)
	assert.Same(t, byUser, byChannel)
	assert.Equal(t, "Alice", byUser.Username)

	_, ok = r.LookupUser("bob")
	assert.False(t, ok)
	_, ok = r.LookupChannel("nope")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryLastConnectWins(t *testing.T) {
	r := NewRegistry()
	ch1 := newMockChannel("ch1")
	ch2 := newMockChannel("ch2")

	assert.Nil(t, r.Register("alice", "Alice", ch1))

	prev := r.Register("alice", "Alice", ch2)
	require.NotNil(t, prev)
	assert.Equal(t, "ch1", prev.ID())

	// exactly the previous handle is gone
	_, ok := r.LookupChannel("ch1")
	assert.False(t, ok)
	s, ok := r.LookupChannel("ch2")
	require.True(t, ok)
	assert.Equal(t, "alice", s.UserID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	ch := newMockChannel("ch1")
	r.Register("alice", "Alice", ch)

	s, ok := r.Unregister("ch1")
	require.True(t, ok)
	assert.Equal(t, "alice", s.UserID)

	_, ok = r.Unregister("ch1")
	assert.False(t, ok)
	_, ok = r.Unregister("never-registered")
	assert.False(t, ok)

	_, ok = r.LookupUser("alice")
	assert.False(t, ok)

	_, ok = r.LastSeen("alice")
	assert.True(t, ok)
}

// A stale unregister from a superseded channel must not tear down the
// user's new binding.
func TestRegistryStaleUnregisterKeepsNewBinding(t *testing.T) {
	r := NewRegistry()
	ch1 := newMockChannel("ch1")
	ch2 := newMockChannel("ch2")

	r.Register("alice", "Alice", ch1)
	r.Register("alice", "Alice", ch2)

	_, ok := r.Unregister("ch1")
	assert.False(t, ok)

	s, ok := r.LookupUser("alice")
	require.True(t, ok)
	assert.Equal(t, "ch2", s.Channel.ID())
}

// Lookups by either key must stay mutually consistent across any
// register/unregister sequence.
func TestRegistryLookupConsistency(t *testing.T) {
	r := NewRegistry()
	chans := map[string]*mockChannel{}
	for _, step := range []struct {
		op     string
		user   string
		handle string
	}{
		{"reg", "alice", "a1"},
		{"reg", "bob", "b1"},
		{"reg", "alice", "a2"},
		{"unreg", "", "a1"},
		{"unreg", "", "b1"},
		{"reg", "bob", "b2"},
		{"unreg", "", "a2"},
	} {
		switch step.op {
		case "reg":
			ch := newMockChannel(step.handle)
			chans[step.handle] = ch
			r.Register(step.user, step.user, ch)
		case "unreg":
			r.Unregister(step.handle)
		}

		for handle := range chans {
			s, ok := r.LookupChannel(handle)
			if !ok {
				continue
			}
			byUser, ok := r.LookupUser(s.UserID)
			require.True(t, ok, "channel %s maps to user %s with no reverse mapping", handle, s.UserID)
			assert.Same(t, s, byUser)
		}
	}

	assert.Equal(t, 1, r.Len())
	s, ok := r.LookupUser("bob")
	require.True(t, ok)
	assert.Equal(t, "b2", s.Channel.ID())
}

func TestRegistryOnlineIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "Alice", newMockChannel("ch1"))
	r.Register("bob", "Bob", newMockChannel("ch2"))

	online := r.Online()
	require.Len(t, online, 2)
	online[0].Username = "mutated"

	for _, u := range r.Online() {
		assert.NotEqual(t, "mutated", u.Username)
	}
}
