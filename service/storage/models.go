package storage

import "time"

const (
	MessageCollection      = "messages"
	ConversationCollection = "conversations"

	// RoleUser marks messages authored by a human participant; assistant and
	// system roles arrive through other write paths, never through the relay.
	RoleUser = "user"
)

// Message is a persisted chat message. The relay creates these on
// send_message and never mutates them afterwards; edits and deletes happen
// through separate write paths that set edited_at / is_deleted.
type Message struct {
	ID             string                 `bson:"message_id" json:"id"`
	ConversationID string                 `bson:"conversation_id" json:"conversationId"`
	UserID         string                 `bson:"user_id" json:"userId"`
	Content        string                 `bson:"content" json:"content"`
	Role           string                 `bson:"role" json:"role"`
	Metadata       map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time              `bson:"created_at" json:"createdAt"`
	EditedAt       *time.Time             `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	Deleted        bool                   `bson:"is_deleted" json:"-"`
}

// Conversation is owned by the REST layer; the relay only reads it to
// authorize join_conversation.
type Conversation struct {
	ID          string    `bson:"conversation_id" json:"id"`
	OwnerUserID string    `bson:"owner_user_id" json:"ownerUserId"`
	Title       string    `bson:"title" json:"title"`
	CreatedAt   time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updatedAt"`
}
