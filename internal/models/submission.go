// Package models defines the persisted entities of the feedback desk and its error taxonomy.
package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// MaxAttachments is the number of attachment references a draft or submission may carry.
const MaxAttachments = 5

// SubmissionStatus is the staff triage status of a submission.
type SubmissionStatus string

// Submission statuses.
const (
	SubmissionStatusNew    SubmissionStatus = "new"
	SubmissionStatusViewed SubmissionStatus = "viewed"
	SubmissionStatusSolved SubmissionStatus = "solved"
)

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionStatusNew, SubmissionStatusViewed, SubmissionStatusSolved:
		return true
	}
	return false
}

// Submission is one feedback intake event. It owns exactly one Conversation.
type Submission struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	UserID         int64                       `gorm:"not null;index" json:"user_id"`
	Username       string                      `gorm:"type:varchar(64);default:''" json:"username"`
	Text           string                      `gorm:"type:text;default:''" json:"text"`
	Attachments    datatypes.JSONSlice[string] `gorm:"not null" json:"attachments"`
	Status         SubmissionStatus            `gorm:"type:varchar(16);not null;default:'new';index" json:"status"`
	ConversationID uint                        `gorm:"not null;index" json:"conversation_id"`
	ProcessedAt    *time.Time                  `json:"processed_at,omitempty"`
	ViewedAt       *time.Time                  `json:"viewed_at,omitempty"`
	CreatedAt      time.Time                   `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for GORM.
func (Submission) TableName() string {
	return "submissions"
}

// DisplayName returns the username or a placeholder when the platform did not provide one.
func (s *Submission) DisplayName() string {
	if strings.TrimSpace(s.Username) == "" {
		return "unknown"
	}
	return s.Username
}

// SubmissionStats holds submission counts by status.
type SubmissionStats struct {
	Total  int64 `json:"total"`
	New    int64 `json:"new"`
	Viewed int64 `json:"viewed"`
	Solved int64 `json:"solved"`
}

// NormalizeAttachments drops blank references and caps the list at MaxAttachments.
// The result is never nil so it serializes as an empty JSON array.
func NormalizeAttachments(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if len(out) == MaxAttachments {
			break
		}
		out = append(out, ref)
	}
	return out
}

// DocumentPrefix marks attachment references that must be delivered as documents.
const DocumentPrefix = "doc:"

// IsDocumentRef reports whether an attachment reference points to a document.
func IsDocumentRef(ref string) bool {
	return strings.HasPrefix(ref, DocumentPrefix)
}
