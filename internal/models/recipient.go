package models

import "time"

// Recipient holds the per-user delivery capabilities the engine needs:
// a push token for the push channels, and verified email/phone endpoints.
// The surrounding user system owns everything else about the account.
type Recipient struct {
	BaseModel

	Email           string     `gorm:"type:varchar(255);index" json:"email"`
	EmailVerifiedAt *time.Time `json:"email_verified_at"`
	Phone           string     `gorm:"type:varchar(64)" json:"phone"`
	PhoneVerifiedAt *time.Time `json:"phone_verified_at"`

	// PushToken is the FCM registration token. Empty means the recipient
	// has no registered device.
	PushToken string `gorm:"type:text" json:"-"`
}

// EmailVerified reports whether the recipient's email address is verified.
func (r *Recipient) EmailVerified() bool { return r.EmailVerifiedAt != nil }

// PhoneVerified reports whether the recipient's phone number is verified.
func (r *Recipient) PhoneVerified() bool { return r.PhoneVerifiedAt != nil }
