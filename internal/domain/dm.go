package domain

// Credentials carry the caller-supplied session material forwarded to the
// upstream DM API. They are request-scoped and must never be persisted or
// logged.
type Credentials struct {
	Cookies     map[string]string `json:"cookies"`
	BearerToken string            `json:"bearer_token"`
}

// UserRecord is the reduced per-user metadata kept from inbox-state pages,
// keyed externally by user id.
type UserRecord struct {
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
}

// Message is a single normalized direct message. Timestamp is UTC RFC 3339,
// or empty when upstream did not include a time.
type Message struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
}

// Conversation pairs a conversation id with its full message history.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// InboxPage is one decoded page of the upstream inbox-state endpoint.
// ConversationIDs preserves entry order and may contain duplicates; callers
// deduplicate.
type InboxPage struct {
	ConversationIDs []string
	Users           map[string]UserRecord
	AtEnd           bool
	NextCursor      string
}

// MessagePage is one decoded page of a conversation's message timeline, in
// upstream entry order.
type MessagePage struct {
	Messages   []Message
	AtEnd      bool
	NextCursor string
}
