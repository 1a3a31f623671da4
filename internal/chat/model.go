package chat

import "time"

// Profile is the denormalized sender snapshot attached to every displayable
// message (fetched via JOIN on the initial read, via a secondary lookup for
// live events).
type Profile struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	AvatarURL string `json:"avatar_url"`
}

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
	Sender    Profile   `json:"sender"`
}

// MessageUpdate is the partial payload of a remote update event. Only fields
// present in the payload are merged; in practice only the read flag changes
// remotely.
type MessageUpdate struct {
	ID     string `json:"id"`
	IsRead *bool  `json:"is_read,omitempty"`
}

type Chat struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Type            string    `json:"type"` // 'private' or 'group'
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
}

type Label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Member struct {
	UserID  string  `json:"user_id"`
	Profile Profile `json:"profile"`
}

// ChatSummary is one row of the chat directory.
type ChatSummary struct {
	Chat
	Labels  []Label  `json:"labels"`
	Members []Member `json:"members"`
}

// DisplayMessage is a message tagged for rendering relative to the viewer.
type DisplayMessage struct {
	Message
	Mine bool `json:"mine"`
}

// DateBucket groups messages sharing a calendar date in the viewer's zone.
type DateBucket struct {
	Date     string           `json:"date"` // YYYY-MM-DD
	Messages []DisplayMessage `json:"messages"`
}

// View is the engine's render-ready snapshot of one conversation.
type View struct {
	ChatID   string           `json:"chat_id"`
	ViewerID string           `json:"viewer_id"`
	Messages []DisplayMessage `json:"messages"`
	Buckets  []DateBucket     `json:"buckets"`
}
