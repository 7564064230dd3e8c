package chat

// MessageStoredEvent is published on the event bus after a message has been
// persisted, for workers such as the moderator.
type MessageStoredEvent struct {
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	Content     string `json:"content"`
	IsPrivate   bool   `json:"is_private"`
	Ts          int64  `json:"ts"` // unix timestamp
}

// PresenceEvent is published when a user comes online or goes offline.
type PresenceEvent struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Online   bool   `json:"online"`
	Ts       int64  `json:"ts"`
}

// Publisher is the outbound side of the event bus. Publishing is best effort:
// failures are logged and never affect delivery to connected clients.
type Publisher interface {
	PublishMessageStored(data []byte) error
	PublishPresence(online bool, data []byte) error
}
