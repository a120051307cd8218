package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message is one logical notification instance addressed to a recipient.
// Fan-out expands it into per-channel DeliveryRecords exactly once.
type Message struct {
	BaseModel

	RecipientID string    `gorm:"type:uuid;index;not null;uniqueIndex:idx_recipient_message_id" json:"recipient_id"`
	Recipient   Recipient `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	// Key selects the group and template set for this message.
	Key     string `gorm:"type:varchar(255);index;not null" json:"key"`
	GroupID string `gorm:"type:varchar(255);index" json:"group_id"`

	// Subject and Body hold the prerendered inbox representation. Body is
	// the excerpt chain result; the full body renders on demand.
	Subject *string `gorm:"type:text" json:"subject"`
	Body    *string `gorm:"type:text" json:"body"`

	// Data is an arbitrary payload passed through to channel backends and
	// template contexts. DataEmail is merged into email template contexts only.
	Data      datatypes.JSON `json:"data"`
	DataEmail datatypes.JSON `json:"data_email"`

	// MessageID is the caller-supplied external id enabling per-recipient
	// deduplication. Unique per recipient when set.
	MessageID *string `gorm:"type:varchar(255);uniqueIndex:idx_recipient_message_id" json:"message_id"`

	SendAt time.Time `gorm:"index;not null" json:"send_at"`

	Hidden    bool       `gorm:"default:false" json:"hidden"`
	FannedOut bool       `gorm:"default:false;index" json:"-"`
	Forced    bool       `gorm:"default:false" json:"-"`
	ReadAt    *time.Time `gorm:"index" json:"read_at"`
	DeletedAt *time.Time `gorm:"index" json:"-"`
}

// IsRead reports whether the message has been marked read.
func (m *Message) IsRead() bool { return m.ReadAt != nil }

// Live reports whether the message is visible in the recipient's inbox.
func (m *Message) Live(now time.Time) bool {
	return m.FannedOut && !m.Hidden && m.DeletedAt == nil && !m.SendAt.After(now)
}

// LiveMessages scopes a query to messages visible in recipients' inboxes.
func LiveMessages(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"send_at <= ? AND hidden = ? AND deleted_at IS NULL AND fanned_out = ?",
			now, false, true,
		)
	}
}
