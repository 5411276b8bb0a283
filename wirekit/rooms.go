package wirekit

import (
	"sort"
	"sync"
)

// Roster tracks transient room membership, keyed by user id. Membership is
// rebuilt from join/leave traffic and never persisted.
//
// With singleRoom set, joining a room leaves all others first, reproducing
// the one-room-at-a-time behaviour some clients expect. Default is
// multi-room.
type Roster struct {
	mu         sync.RWMutex
	rooms      map[string]map[string]struct{}
	users      map[string]map[string]struct{}
	singleRoom bool
}

func NewRoster(singleRoom bool) *Roster {
	return &Roster{
		rooms:      map[string]map[string]struct{}{},
		users:      map[string]map[string]struct{}{},
		singleRoom: singleRoom,
	}
}

// Join adds the user to the room. In single-room mode it returns the rooms
// the user was removed from so the caller can announce the departures.
func (ro *Roster) Join(userID, room string) []string {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	var left []string
	if ro.singleRoom {
		for other := range ro.users[userID] {
			if other == room {
				continue
			}
			ro.drop(userID, other)
			left = append(left, other)
		}
	}

	if _, ok := ro.rooms[room]; !ok {
		ro.rooms[room] = map[string]struct{}{}
	}
	ro.rooms[room][userID] = struct{}{}
	if _, ok := ro.users[userID]; !ok {
		ro.users[userID] = map[string]struct{}{}
	}
	ro.users[userID][room] = struct{}{}

	return left
}

// Leave removes the user from the room, reporting whether they were a member.
func (ro *Roster) Leave(userID, room string) bool {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	if _, ok := ro.users[userID][room]; !ok {
		return false
	}
	ro.drop(userID, room)
	return true
}

// LeaveAll removes the user from every room, returning the rooms left.
// Called when a channel dies or a session is superseded.
func (ro *Roster) LeaveAll(userID string) []string {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	rooms := make([]string, 0, len(ro.users[userID]))
	for room := range ro.users[userID] {
		ro.drop(userID, room)
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// caller must hold ro.mu
func (ro *Roster) drop(userID, room string) {
	delete(ro.rooms[room], userID)
	if len(ro.rooms[room]) == 0 {
		delete(ro.rooms, room)
	}
	delete(ro.users[userID], room)
	if len(ro.users[userID]) == 0 {
		delete(ro.users, userID)
	}
}

// Members returns the user ids currently joined to the room. Unknown rooms
// resolve to an empty set, not an error.
func (ro *Roster) Members(room string) []string {
	ro.mu.RLock()
	members := make([]string, 0, len(ro.rooms[room]))
	for userID := range ro.rooms[room] {
		members = append(members, userID)
	}
	ro.mu.RUnlock()
	sort.Strings(members)
	return members
}

// Rooms returns the rooms the user is currently joined to.
func (ro *Roster) Rooms(userID string) []string {
	ro.mu.RLock()
	rooms := make([]string, 0, len(ro.users[userID]))
	for room := range ro.users[userID] {
		rooms = append(rooms, room)
	}
	ro.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

func (ro *Roster) InRoom(userID, room string) bool {
	ro.mu.RLock()
	_, ok := ro.rooms[room][userID]
	ro.mu.RUnlock()
	return ok
}

// RoomCount returns the number of rooms with at least one member.
func (ro *Roster) RoomCount() int {
	ro.mu.RLock()
	defer ro.mu.RUnlock()
	return len(ro.rooms)
}
