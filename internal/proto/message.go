package proto

// MessageType distinguishes room posts from direct messages.
type MessageType string

const (
	MessageTypeRoom   MessageType = "room"
	MessageTypeDirect MessageType = "direct"
)

// ChatMessage is created by a message command.
type ChatMessage struct {
	ID        string      `json:"id" db:"id"`
	From      string      `json:"from_user" db:"from_user"`
	To        string      `json:"to_user,omitempty" db:"to_user"`
	Room      string      `json:"room,omitempty" db:"room"`
	Body      string      `json:"body" db:"body"`
	Type      MessageType `json:"type" db:"type"`
	CreatedAt int64       `json:"created_at" db:"created_at"`
	Delivered bool        `json:"delivered" db:"delivered"`
}

// NewRoomMessage creates a message posted to a room.
func NewRoomMessage(from, room, body string) *ChatMessage {
	return &ChatMessage{
		ID:        NewID(),
		From:      from,
		Room:      room,
		Body:      body,
		Type:      MessageTypeRoom,
		CreatedAt: NowMillis(),
	}
}

// NewDirectMessage creates a 1-to-1 message.
func NewDirectMessage(from, to, body string) *ChatMessage {
	return &ChatMessage{
		ID:        NewID(),
		From:      from,
		To:        to,
		Body:      body,
		Type:      MessageTypeDirect,
		CreatedAt: NowMillis(),
	}
}

// Payload is the event payload carried on the bus for this message.
func (m *ChatMessage) Payload() map[string]any {
	p := map[string]any{
		"id":         m.ID,
		"from_user":  m.From,
		"body":       m.Body,
		"type":       string(m.Type),
		"created_at": m.CreatedAt,
	}
	if m.Room != "" {
		p["room"] = m.Room
	}
	if m.To != "" {
		p["to_user"] = m.To
	}
	return p
}

// Notification is owned by one user; Read flips only on explicit ack.
type Notification struct {
	ID        string `json:"id" db:"id"`
	UserID    string `json:"user_id" db:"user_id"`
	Type      string `json:"type" db:"type"`
	Data      string `json:"data" db:"data"`
	CreatedAt int64  `json:"created_at" db:"created_at"`
	Read      bool   `json:"read" db:"read"`
}
