package wirekit

import (
	"sync"
	"time"
)

// Session is one live binding between a user and a channel handle.
type Session struct {
	UserID      string
	Username    string
	Channel     Channel
	ConnectedAt time.Time
}

// UserInfo is the presence snapshot handed out to callers.
type UserInfo struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry maintains the live mapping between users and channel handles.
// A user has at most one live channel; registering again from elsewhere
// evicts the previous binding (last connect wins). Both internal maps are
// mutated under one lock so lookups never observe a half-updated pair.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[string]*Session
	byChannel map[string]*Session
	lastSeen  map[string]time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:    map[string]*Session{},
		byChannel: map[string]*Session{},
		lastSeen:  map[string]time.Time{},
	}
}

// Register binds the user to the channel and returns the superseded channel
// if the user was already connected elsewhere, so the caller can notify and
// close it.
func (r *Registry) Register(userID, username string, ch Channel) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev Channel
	if old, ok := r.byUser[userID]; ok && old.Channel.ID() != ch.ID() {
		delete(r.byChannel, old.Channel.ID())
		prev = old.Channel
	}

	s := &Session{
		UserID:      userID,
		Username:    username,
		Channel:     ch,
		ConnectedAt: time.Now(),
	}
	r.byUser[userID] = s
	r.byChannel[ch.ID()] = s

	return prev
}

// Unregister removes the binding for a channel handle. Unknown handles are
// a no-op: a superseded connection unregistering late must not tear down
// the user's new binding.
func (r *Registry) Unregister(handle string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byChannel[handle]
	if !ok {
		return nil, false
	}
	delete(r.byChannel, handle)
	if cur, ok := r.byUser[s.UserID]; ok && cur == s {
		delete(r.byUser, s.UserID)
	}
	r.lastSeen[s.UserID] = time.Now()

	return s, true
}

func (r *Registry) LookupUser(userID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.byUser[userID]
	r.mu.RUnlock()
	return s, ok
}

func (r *Registry) LookupChannel(handle string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.byChannel[handle]
	r.mu.RUnlock()
	return s, ok
}

// Online returns a copy of the currently bound users.
func (r *Registry) Online() []UserInfo {
	r.mu.RLock()
	users := make([]UserInfo, 0, len(r.byUser))
	for _, s := range r.byUser {
		users = append(users, UserInfo{
			UserID:      s.UserID,
			Username:    s.Username,
			ConnectedAt: s.ConnectedAt,
		})
	}
	r.mu.RUnlock()
	return users
}

// Channels returns a snapshot of all live channels, used for server-wide
// pushes like roster updates.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	channels := make([]Channel, 0, len(r.byChannel))
	for _, s := range r.byChannel {
		channels = append(channels, s.Channel)
	}
	r.mu.RUnlock()
	return channels
}

func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	t, ok := r.lastSeen[userID]
	r.mu.RUnlock()
	return t, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
