package models

import "time"

// DeliveryRecord is one attempt to deliver a Message over one channel.
// Records are created in the new status by fan-out and move exactly once
// to a terminal status; they are only removed by cascading message deletion.
type DeliveryRecord struct {
	BaseModel

	MessageID string  `gorm:"type:uuid;index;not null;uniqueIndex:idx_message_channel" json:"message_id"`
	Message   Message `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	Channel Channel `gorm:"type:varchar(32);not null;uniqueIndex:idx_message_channel" json:"channel"`

	// SendAt is copied from the owning message at creation so the dispatch
	// batch can select on it without a join.
	SendAt time.Time `gorm:"index;not null" json:"send_at"`

	Status        DeliveryStatus `gorm:"type:varchar(32);index;default:'new'" json:"status"`
	FailureReason FailureReason  `gorm:"type:varchar(64)" json:"failure_reason,omitempty"`
	FailureDetail string         `gorm:"type:text" json:"failure_detail,omitempty"`
}

// MarkFailed assigns the terminal failed status with a reason code.
func (d *DeliveryRecord) MarkFailed(reason FailureReason, detail string) {
	d.Status = DeliveryStatusFailed
	d.FailureReason = reason
	d.FailureDetail = detail
}
