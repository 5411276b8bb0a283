package wirekit

import "sync"

type EventKind int

const (
	_ EventKind = iota
	// ConnectEvent is emitted when a user binds a channel.
	ConnectEvent
	// QuitEvent is emitted when a user's channel goes away.
	QuitEvent
	// SupersededEvent is emitted when a new connection evicts an old one.
	SupersededEvent
	// JoinEvent is emitted when a user joins a room.
	JoinEvent
	// PartEvent is emitted when a user leaves a room.
	PartEvent
	// RoomMsgEvent is emitted for every room broadcast.
	RoomMsgEvent
	// PrivateMsgEvent is emitted for every private delivery.
	PrivateMsgEvent
	// ShutdownEvent is emitted when the server shuts down.
	ShutdownEvent
)

var eventKindNames = map[EventKind]string{
	ConnectEvent:    "connect",
	QuitEvent:       "quit",
	SupersededEvent: "superseded",
	JoinEvent:       "join",
	PartEvent:       "part",
	RoomMsgEvent:    "room-message",
	PrivateMsgEvent: "private-message",
	ShutdownEvent:   "shutdown",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event describes something that happened on the server, for UI and
// monitoring subscribers.
type Event struct {
	Kind     EventKind
	UserID   string
	Username string
	Room     string
	Envelope *Envelope
}

func (evt Event) String() string {
	r := evt.Kind.String()
	if evt.Username != "" {
		r += " from " + evt.Username
	}
	if evt.Room != "" {
		r += " in " + evt.Room
	}
	return r
}

// Publisher emits Events to existing subscribers.
type Publisher interface {
	// Subscribe registers channel to receive events. Will skip events if channel is full.
	Subscribe(chan<- Event)

	// Publish emits the Event to all the subscribers.
	Publish(Event)

	// Close will close all the subscribing channels.
	Close() error
}

// SyncPublisher creates a Publisher which blocks on all operations.
func SyncPublisher() Publisher {
	return &publisher{}
}

type publisher struct {
	mu          sync.Mutex
	subscribers []chan<- Event
}

func (pub *publisher) Subscribe(sub chan<- Event) {
	pub.mu.Lock()
	pub.subscribers = append(pub.subscribers, sub)
	pub.mu.Unlock()
}

func (pub *publisher) Publish(evt Event) {
	pub.mu.Lock()
	for _, sub := range pub.subscribers {
		select {
		case sub <- evt:
		default: // Skip if full.
		}
	}
	pub.mu.Unlock()
}

func (pub *publisher) Close() error {
	pub.mu.Lock()
	for _, sub := range pub.subscribers {
		close(sub)
	}
	pub.subscribers = nil
	pub.mu.Unlock()
	return nil
}
