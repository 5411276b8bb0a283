package wirekit

import (
	"time"

	strip "github.com/grokify/html-strip-tags-go"
	"github.com/mitchellh/mapstructure"
)

// Envelope types routed by the server. The tag decides how an envelope is
// dispatched; unknown tags are logged and dropped.
const (
	TextMsg       = "text"
	FileMsg       = "file"
	PrivateMsg    = "private"
	TypingMsg     = "typing"
	StopTypingMsg = "stop_typing"
	ReceiptMsg    = "read_receipt"
	ReactionMsg   = "reaction"
	JoinMsg       = "join"
	LeaveMsg      = "leave"
	RosterMsg     = "roster"
	HistoryMsg    = "history"
	NoticeMsg     = "notice"
	SupersededMsg = "superseded"
)

// Envelope is the single wire format between clients and the server.
// Room and Recipient are mutually exclusive targets: a room broadcast or a
// private message to one user.
type Envelope struct {
	ID         string                 `json:"id,omitempty"`
	Type       string                 `json:"type"`
	Sender     string                 `json:"sender,omitempty"`
	SenderName string                 `json:"sender_name,omitempty"`
	Room       string                 `json:"room,omitempty"`
	Recipient  string                 `json:"recipient,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

type FilePayload struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	Size int64  `mapstructure:"size"`
}

type ReactionPayload struct {
	MessageID string `mapstructure:"message_id"`
	Reaction  string `mapstructure:"reaction"`
	Remove    bool   `mapstructure:"remove"`
}

type ReceiptPayload struct {
	MessageID string `mapstructure:"message_id"`
	ReadBy    string `mapstructure:"read_by"`
}

// DecodePayload decodes the untyped payload map into one of the typed
// payload structs above.
func (e *Envelope) DecodePayload(out interface{}) error {
	return mapstructure.Decode(e.Payload, out)
}

// Durable reports whether the envelope should hit the message store.
// Ephemeral signalling (typing, receipts, roster pushes) never does.
func (e *Envelope) Durable() bool {
	switch e.Type {
	case TextMsg, FileMsg, PrivateMsg:
		return true
	}
	return false
}

func sanitizeText(s string) string {
	return strip.StripTags(s)
}
