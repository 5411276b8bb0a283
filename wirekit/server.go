package wirekit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/muesli/reflow/wordwrap"
)

var ErrNoUserID = errors.New("connect without a user id")

const noticeWrapWidth = 400

// ServerConfig produces a Server setup with configuration options.
type ServerConfig struct {
	// Name is used as the sender for server notices.
	Name string
	// DefaultRoom is the room used when an envelope names none.
	DefaultRoom string
	// SingleRoom makes joining a room leave all others first.
	SingleRoom bool
	// HistoryLimit is the number of stored messages replayed on join.
	HistoryLimit int

	// Publisher to use. If nil, a new SyncPublisher will be used.
	Publisher Publisher
	// Store is the durable message log. Optional; without it history
	// replay is skipped and messages are realtime-only.
	Store *MessageStore
}

func (c ServerConfig) Server() *Server {
	if c.Name == "" {
		c.Name = "wirechatd"
	}
	if c.DefaultRoom == "" {
		c.DefaultRoom = "general"
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
	publisher := c.Publisher
	if publisher == nil {
		publisher = SyncPublisher()
	}

	registry := NewRegistry()
	roster := NewRoster(c.SingleRoom)

	return &Server{
		config:    c,
		created:   time.Now(),
		registry:  registry,
		roster:    roster,
		router:    NewRouter(registry, roster, c.Store),
		typing:    map[string]string{},
		Publisher: publisher,
	}
}

// NewServer creates a server with default configuration.
func NewServer(name string) *Server {
	return ServerConfig{Name: name}.Server()
}

// Server owns the presence registry, the room roster and the router, and
// turns inbound transport events (connect, envelope, disconnect) into
// fan-out. All envelope handling goes through HandleEnvelope's single
// switch; transports only decode frames and feed them here.
type Server struct {
	config  ServerConfig
	created time.Time

	registry *Registry
	roster   *Roster
	router   *Router

	typingMu sync.Mutex
	typing   map[string]string

	Publisher
}

func (s *Server) Name() string { return s.config.Name }

// Registry exposes the presence registry for UI snapshots.
func (s *Server) Registry() *Registry { return s.registry }

// Roster exposes room membership for UI snapshots.
func (s *Server) Roster() *Roster { return s.roster }

// Router exposes the fan-out router, mainly so operators can push
// server-originated envelopes.
func (s *Server) Router() *Router { return s.router }

// Connect binds an authenticated user to a freshly established channel.
// Authentication happened upstream; the user id is trusted. If the user was
// already connected elsewhere the old channel is told it has been
// superseded and closed, and its room memberships are dropped: membership
// belongs to the connection that joined, not the user forever.
func (s *Server) Connect(userID, username string, ch Channel) error {
	if userID == "" {
		return ErrNoUserID
	}
	if username == "" {
		username = userID
	}

	prev := s.registry.Register(userID, username, ch)
	if prev != nil {
		logger.Infof("user %s superseded channel %s with %s", userID, prev.ID(), ch.ID())
		s.dropRooms(userID, username)
		prev.Send(&Envelope{
			Type:       SupersededMsg,
			SenderName: s.config.Name,
			Text:       "signed in from another connection",
			Timestamp:  time.Now(),
		})
		prev.Close()
		s.Publish(Event{Kind: SupersededEvent, UserID: userID, Username: username})
	}

	logger.Infof("user %s (%s) connected on channel %s from %s", username, userID, ch.ID(), ch.RemoteAddr())
	s.Publish(Event{Kind: ConnectEvent, UserID: userID, Username: username})
	s.pushRoster()
	return nil
}

// Disconnect tears down the binding for a closed channel. Idempotent:
// unknown handles (already reaped, or superseded) are a no-op.
func (s *Server) Disconnect(ch Channel) {
	// the handle may already be unbound (superseded, or reaped on a failed
	// send), but its typing entry must not outlive the channel
	s.typingMu.Lock()
	delete(s.typing, ch.ID())
	s.typingMu.Unlock()

	sess, ok := s.registry.Unregister(ch.ID())
	ch.Close()
	if !ok {
		return
	}

	s.dropRooms(sess.UserID, sess.Username)
	logger.Infof("user %s (%s) disconnected", sess.Username, sess.UserID)
	s.Publish(Event{Kind: QuitEvent, UserID: sess.UserID, Username: sess.Username})
	s.pushRoster()
}

// HandleEnvelope dispatches one inbound envelope from a channel. Unknown
// channels and unknown types are dropped with a log line, never an error to
// the peer.
func (s *Server) HandleEnvelope(ch Channel, env *Envelope) {
	sess, ok := s.registry.LookupChannel(ch.ID())
	if !ok {
		logger.Debugf("envelope from unknown channel %s, dropping", ch.ID())
		return
	}

	logger.Tracef("envelope from %s: %s", sess.UserID, spew.Sdump(env))

	// sender identity and routing metadata are server-stamped, never
	// client-supplied
	env.Sender = sess.UserID
	env.SenderName = sess.Username
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	switch env.Type {
	case JoinMsg:
		s.joinRoom(sess, s.roomOf(env))
	case LeaveMsg:
		s.leaveRoom(sess, s.roomOf(env))
	case TextMsg:
		env.Text = strings.TrimSpace(sanitizeText(env.Text))
		if env.Text == "" {
			return
		}
		s.roomMessage(sess, env)
	case FileMsg:
		var file FilePayload
		if err := env.DecodePayload(&file); err != nil || file.URL == "" {
			logger.Debugf("malformed file payload from %s: %v", sess.UserID, err)
			return
		}
		s.roomMessage(sess, env)
	case PrivateMsg:
		env.Text = sanitizeText(env.Text)
		s.privateMessage(sess, env)
	case TypingMsg, StopTypingMsg:
		s.typingUpdate(sess, env)
	case ReceiptMsg:
		s.receipt(sess, env)
	case ReactionMsg:
		s.reaction(sess, env)
	case HistoryMsg:
		s.privateHistory(sess, env)
	default:
		logger.Debugf("unknown envelope type %q from %s, dropping", env.Type, sess.UserID)
	}
}

func (s *Server) roomOf(env *Envelope) string {
	if env.Room != "" {
		return env.Room
	}
	return s.config.DefaultRoom
}

func (s *Server) joinRoom(sess *Session, room string) {
	left := s.roster.Join(sess.UserID, room)
	for _, old := range left {
		s.announce(sess, LeaveMsg, old)
		s.Publish(Event{Kind: PartEvent, UserID: sess.UserID, Username: sess.Username, Room: old})
	}

	s.announce(sess, JoinMsg, room)
	s.Publish(Event{Kind: JoinEvent, UserID: sess.UserID, Username: sess.Username, Room: room})

	// replay stored history and the current member list to the joiner only
	if s.config.Store != nil {
		history, err := s.config.Store.Recent(room, s.config.HistoryLimit)
		if err != nil {
			logger.Errorf("history replay for %s failed: %s", room, err)
		} else if len(history) > 0 {
			sess.Channel.Send(&Envelope{
				Type:      HistoryMsg,
				Room:      room,
				Payload:   map[string]interface{}{"messages": history},
				Timestamp: time.Now(),
			})
		}
	}
	sess.Channel.Send(&Envelope{
		Type:      RosterMsg,
		Room:      room,
		Payload:   map[string]interface{}{"members": s.roster.Members(room)},
		Timestamp: time.Now(),
	})
}

func (s *Server) leaveRoom(sess *Session, room string) {
	if !s.roster.Leave(sess.UserID, room) {
		// not a member; absence is a normal state
		return
	}
	s.announce(sess, LeaveMsg, room)
	s.Publish(Event{Kind: PartEvent, UserID: sess.UserID, Username: sess.Username, Room: room})
}

// announce tells the remaining/other members of a room that someone came or
// went. The subject's own channel is excluded.
func (s *Server) announce(sess *Session, kind, room string) {
	s.router.Broadcast(room, &Envelope{
		Type:       kind,
		Sender:     sess.UserID,
		SenderName: sess.Username,
		Room:       room,
		Timestamp:  time.Now(),
	}, sess.Channel)
}

// roomMessage fans a text or file envelope out to the sender's room,
// excluding the sender's own channel: the sending client already rendered
// the message locally.
func (s *Server) roomMessage(sess *Session, env *Envelope) {
	env.Room = s.roomOf(env)
	env.Recipient = ""
	s.router.Broadcast(env.Room, env, sess.Channel)
	s.Publish(Event{Kind: RoomMsgEvent, UserID: sess.UserID, Username: sess.Username, Room: env.Room, Envelope: env})
}

// privateMessage routes to exactly the recipient's channel. An offline
// recipient is a silent drop on the realtime path; the store has the
// message for later. The sender gets an echo as delivery confirmation.
func (s *Server) privateMessage(sess *Session, env *Envelope) {
	if env.Recipient == "" || env.Recipient == sess.UserID {
		return
	}
	env.Room = ""
	s.router.Send(env.Recipient, env)
	sess.Channel.Send(env)
	s.Publish(Event{Kind: PrivateMsgEvent, UserID: sess.UserID, Username: sess.Username, Envelope: env})
}

// privateHistory replays the stored conversation with another user to the
// requester. The reply is sent even when the conversation is empty, so a
// waiting client always gets an answer.
func (s *Server) privateHistory(sess *Session, env *Envelope) {
	if s.config.Store == nil || env.Recipient == "" {
		return
	}
	history, err := s.config.Store.RecentPrivate(sess.UserID, env.Recipient, s.config.HistoryLimit)
	if err != nil {
		logger.Errorf("private history for %s/%s failed: %s", sess.UserID, env.Recipient, err)
		return
	}
	sess.Channel.Send(&Envelope{
		Type:      HistoryMsg,
		Recipient: env.Recipient,
		Payload:   map[string]interface{}{"messages": history},
		Timestamp: time.Now(),
	})
}

func (s *Server) typingUpdate(sess *Session, env *Envelope) {
	s.typingMu.Lock()
	if env.Type == TypingMsg {
		s.typing[sess.Channel.ID()] = sess.Username
	} else {
		delete(s.typing, sess.Channel.ID())
	}
	s.typingMu.Unlock()

	if env.Recipient != "" {
		env.Room = ""
		s.router.Send(env.Recipient, env)
		return
	}
	env.Room = s.roomOf(env)
	s.router.Broadcast(env.Room, env, sess.Channel)
}

// receipt propagates a read receipt back to whoever cares: the room for
// room messages, the original sender for private ones.
func (s *Server) receipt(sess *Session, env *Envelope) {
	var receipt ReceiptPayload
	if err := env.DecodePayload(&receipt); err != nil || receipt.MessageID == "" {
		logger.Debugf("malformed receipt payload from %s: %v", sess.UserID, err)
		return
	}

	if env.Recipient != "" {
		env.Room = ""
		s.router.Send(env.Recipient, env)
		return
	}
	env.Room = s.roomOf(env)
	s.router.Broadcast(env.Room, env, sess.Channel)
}

// reaction updates go to everyone who can see the message, the reacting
// user included, so all clients render the same reaction state.
func (s *Server) reaction(sess *Session, env *Envelope) {
	var reaction ReactionPayload
	if err := env.DecodePayload(&reaction); err != nil || reaction.MessageID == "" {
		logger.Debugf("malformed reaction payload from %s: %v", sess.UserID, err)
		return
	}

	if env.Recipient != "" {
		env.Room = ""
		s.router.Send(env.Recipient, env)
		sess.Channel.Send(env)
		return
	}
	env.Room = s.roomOf(env)
	s.router.Broadcast(env.Room, env, nil)
}

// TypingUsers returns the usernames currently marked as typing.
func (s *Server) TypingUsers() []string {
	s.typingMu.Lock()
	users := make([]string, 0, len(s.typing))
	for _, username := range s.typing {
		users = append(users, username)
	}
	s.typingMu.Unlock()
	return users
}

// Online returns the presence snapshot for UI rendering.
func (s *Server) Online() []UserInfo {
	return s.registry.Online()
}

func (s *Server) UserCount() int { return s.registry.Len() }
func (s *Server) RoomCount() int { return s.roster.RoomCount() }

// Notice sends a server-originated notice to every member of a room,
// word-wrapped into multiple envelopes for long text.
func (s *Server) Notice(room, text string) {
	for _, line := range strings.Split(wordwrap.String(text, noticeWrapWidth), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.router.Broadcast(room, &Envelope{
			Type:       NoticeMsg,
			SenderName: s.config.Name,
			Room:       room,
			Text:       line,
			Timestamp:  time.Now(),
		}, nil)
	}
}

// dropRooms removes the user from every room and announces the departures.
func (s *Server) dropRooms(userID, username string) {
	for _, room := range s.roster.LeaveAll(userID) {
		s.router.Broadcast(room, &Envelope{
			Type:       LeaveMsg,
			Sender:     userID,
			SenderName: username,
			Room:       room,
			Timestamp:  time.Now(),
		}, nil)
		s.Publish(Event{Kind: PartEvent, UserID: userID, Username: username, Room: room})
	}
}

// pushRoster broadcasts the online user list to every live channel.
func (s *Server) pushRoster() {
	env := &Envelope{
		Type:      RosterMsg,
		Payload:   map[string]interface{}{"users": s.registry.Online()},
		Timestamp: time.Now(),
	}
	for _, ch := range s.registry.Channels() {
		if err := ch.Send(env); err != nil {
			logger.Warnf("roster push to %s failed: %s", ch.ID(), err)
			s.router.Reap(ch)
		}
	}
}

// Close notifies subscribers and closes every live channel.
func (s *Server) Close() error {
	s.Publish(Event{Kind: ShutdownEvent})
	for _, ch := range s.registry.Channels() {
		ch.Send(&Envelope{
			Type:       NoticeMsg,
			SenderName: s.config.Name,
			Text:       fmt.Sprintf("%s shutting down", s.config.Name),
			Timestamp:  time.Now(),
		})
		ch.Close()
	}
	return s.Publisher.Close()
}
