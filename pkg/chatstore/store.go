package chatstore

import (
	"time"

	"github.com/pkg/errors"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ErrNotFound is returned when a conversation does not exist, is soft-deleted,
// or is owned by a different user. Callers must not learn which of the three.
var ErrNotFound = errors.New("chatstore: conversation not found")

// Conversation is the durable record of a chat between one user and the
// assistant. Soft-deleted conversations stay in storage until the reaper
// removes them, but are invisible to every read path.
type Conversation struct {
	ID        int64
	UserID    int64
	Title     string
	Model     string
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single turn inside a conversation. Content is immutable once
// IsComplete is true; assistant placeholders transition exactly once from
// incomplete/empty to their terminal content.
type Message struct {
	ID             int64
	ConversationID int64
	Role           Role
	Content        string
	IsComplete     bool
	TokenCount     *int
	CreatedAt      time.Time
}

// ConversationSummary is the listing projection (recency ordered).
type ConversationSummary struct {
	ID        int64
	Title     string
	UpdatedAt time.Time
}

// ConversationPage is one page of a recency-descending conversation listing.
// NextCursor is the UpdatedAt of the last item, in unix milliseconds.
type ConversationPage struct {
	Items      []ConversationSummary
	NextCursor *int64
	HasMore    bool
}

// MessagePage is one page of a newest-first message listing. NextCursor is
// the ID of the last item on the page.
type MessagePage struct {
	Items      []Message
	NextCursor *int64
	HasMore    bool
}

const (
	DefaultConversationPageSize = 20
	DefaultMessagePageSize      = 30
)
