package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationStatus is the lifecycle state of a conversation thread.
type ConversationStatus string

// Conversation statuses.
const (
	ConversationStatusOpen     ConversationStatus = "open"
	ConversationStatusClosed   ConversationStatus = "closed"
	ConversationStatusArchived ConversationStatus = "archived"
)

// Conversation ties together all messages exchanged about one Submission.
// LastMessageAt never moves backwards.
type Conversation struct {
	ID            uint               `gorm:"primaryKey" json:"id"`
	UserID        int64              `gorm:"not null;index" json:"user_id"`
	Status        ConversationStatus `gorm:"type:varchar(16);not null;default:'open'" json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	LastMessageAt time.Time          `gorm:"index" json:"last_message_at"`
}

// TableName specifies the table name for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// SenderRole identifies who authored a message.
type SenderRole string

// Sender roles.
const (
	SenderRoleUser  SenderRole = "user"
	SenderRoleStaff SenderRole = "staff"
)

// MessageStatus is the read status of a message.
type MessageStatus string

// Message read statuses.
const (
	MessageStatusNew  MessageStatus = "new"
	MessageStatusRead MessageStatus = "read"
)

// StaffReceiverID is the receiver id used for messages addressed to the staff group.
const StaffReceiverID int64 = 0

// Message is one item within a Conversation, ordered by (created_at, id).
type Message struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	ConversationID uint                        `gorm:"not null;index:idx_messages_conversation_order,priority:1" json:"conversation_id"`
	Conversation   *Conversation               `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	SenderID       int64                       `gorm:"not null" json:"sender_id"`
	ReceiverID     int64                       `gorm:"not null;default:0" json:"receiver_id"`
	SenderRole     SenderRole                  `gorm:"type:varchar(16);not null" json:"sender_role"`
	Text           string                      `gorm:"type:text;default:''" json:"text"`
	Attachments    datatypes.JSONSlice[string] `gorm:"not null" json:"attachments"`
	Status         MessageStatus               `gorm:"type:varchar(16);not null;default:'new'" json:"status"`
	CreatedAt      time.Time                   `gorm:"index:idx_messages_conversation_order,priority:2" json:"created_at"`
}

// TableName specifies the table name for GORM.
func (Message) TableName() string {
	return "messages"
}
