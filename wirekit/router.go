package wirekit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const seenCacheSize = 1024

// Router resolves an envelope to the concrete channels that must receive it
// and performs the fan-out. Broadcasts on a router are serialized: channel
// Send only enqueues, so holding the lock across the delivery loop gives
// every member the same relative order without blocking on peer I/O.
type Router struct {
	registry *Registry
	roster   *Roster
	store    *MessageStore

	// recently routed message ids, so a client resend after reconnect
	// doesn't fan out twice
	seen *lru.Cache

	sendMu sync.Mutex
}

func NewRouter(registry *Registry, roster *Roster, store *MessageStore) *Router {
	seen, _ := lru.New(seenCacheSize)
	return &Router{
		registry: registry,
		roster:   roster,
		store:    store,
		seen:     seen,
	}
}

// ResolveRoom returns the live channels of the room's current members.
// Members without a live channel (shouldn't happen, but reaping races are
// possible) are skipped.
func (rt *Router) ResolveRoom(room string) []Channel {
	members := rt.roster.Members(room)
	channels := make([]Channel, 0, len(members))
	for _, userID := range members {
		if s, ok := rt.registry.LookupUser(userID); ok {
			channels = append(channels, s.Channel)
		}
	}
	return channels
}

// ResolvePrivate returns the recipient's channel, or false if they're
// offline. Offline is a normal state: the realtime path silently drops and
// the durable store is the offline delivery mechanism.
func (rt *Router) ResolvePrivate(userID string) (Channel, bool) {
	s, ok := rt.registry.LookupUser(userID)
	if !ok {
		return nil, false
	}
	return s.Channel, true
}

// Broadcast delivers the envelope to every member of the room except
// exclude (pass nil to deliver to all). A dead member never aborts delivery
// to the rest; its stale binding is reaped. Returns the delivered count.
func (rt *Router) Broadcast(room string, env *Envelope, exclude Channel) int {
	if rt.alreadyRouted(env) {
		logger.Debugf("dropping duplicate %s message %s for room %s", env.Type, env.ID, room)
		return 0
	}
	rt.persist(env)

	rt.sendMu.Lock()
	targets := rt.ResolveRoom(room)
	var delivered int
	var dead []Channel
	for _, ch := range targets {
		if exclude != nil && ch.ID() == exclude.ID() {
			continue
		}
		if err := ch.Send(env); err != nil {
			logger.Warnf("broadcast to %s (%s) failed: %s", ch.ID(), ch.RemoteAddr(), err)
			dead = append(dead, ch)
			continue
		}
		delivered++
	}
	rt.sendMu.Unlock()

	for _, ch := range dead {
		rt.Reap(ch)
	}
	return delivered
}

// Send delivers the envelope to a single user's channel. Returns false when
// the recipient is offline or their channel turned out to be dead.
func (rt *Router) Send(userID string, env *Envelope) bool {
	if rt.alreadyRouted(env) {
		logger.Debugf("dropping duplicate %s message %s for user %s", env.Type, env.ID, userID)
		return false
	}
	rt.persist(env)

	rt.sendMu.Lock()
	ch, ok := rt.ResolvePrivate(userID)
	if !ok {
		rt.sendMu.Unlock()
		return false
	}
	err := ch.Send(env)
	rt.sendMu.Unlock()

	if err != nil {
		logger.Warnf("send to %s (%s) failed: %s", ch.ID(), ch.RemoteAddr(), err)
		rt.Reap(ch)
		return false
	}
	return true
}

// Reap drops a dead channel: implicit unregister, room cleanup, close.
func (rt *Router) Reap(ch Channel) {
	if s, ok := rt.registry.Unregister(ch.ID()); ok {
		rt.roster.LeaveAll(s.UserID)
		logger.Infof("reaped dead channel %s for user %s", ch.ID(), s.UserID)
	}
	ch.Close()
}

func (rt *Router) alreadyRouted(env *Envelope) bool {
	if env.ID == "" || !env.Durable() {
		return false
	}
	found, _ := rt.seen.ContainsOrAdd(env.ID, struct{}{})
	return found
}

// persist is fire-and-forget from the routing path: a store failure is
// logged and realtime delivery carries on.
func (rt *Router) persist(env *Envelope) {
	if rt.store == nil || !env.Durable() {
		return
	}
	if err := rt.store.Persist(env); err != nil {
		logger.Errorf("persist of %s message %s failed: %s", env.Type, env.ID, err)
	}
}
