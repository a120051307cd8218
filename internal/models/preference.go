package models

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// ChannelValues holds per-channel opt-in state. A nil pointer means the
// channel carries no stored value; for presented preferences it means the
// channel is not offered for the group at all.
type ChannelValues struct {
	Push    *bool `json:"push,omitempty" mapstructure:"push"`
	Email   *bool `json:"email,omitempty" mapstructure:"email"`
	SMS     *bool `json:"sms,omitempty" mapstructure:"sms"`
	WebPush *bool `json:"web_push,omitempty" mapstructure:"web_push"`
}

// Value returns the stored value for a channel, nil when unset.
func (v ChannelValues) Value(ch Channel) *bool {
	switch ch {
	case ChannelPush:
		return v.Push
	case ChannelEmail:
		return v.Email
	case ChannelSMS:
		return v.SMS
	case ChannelWebPush:
		return v.WebPush
	}
	return nil
}

// SetValue assigns the value for a channel.
func (v *ChannelValues) SetValue(ch Channel, value *bool) {
	switch ch {
	case ChannelPush:
		v.Push = value
	case ChannelEmail:
		v.Email = value
	case ChannelSMS:
		v.SMS = value
	case ChannelWebPush:
		v.WebPush = value
	}
}

// Enabled reports whether the channel is affirmatively opted in.
func (v ChannelValues) Enabled(ch Channel) bool {
	val := v.Value(ch)
	return val != nil && *val
}

// GroupPreference is one group's channel selections. Decoding through this
// struct strips unrecognised client-supplied keys, keeping only the id and
// known channel names.
type GroupPreference struct {
	ID string `json:"id" mapstructure:"id"`
	ChannelValues
}

// GroupPreferences is the stored preference list, persisted as a JSON column.
type GroupPreferences []GroupPreference

// Preferences is one recipient's stored channel preferences keyed by group.
// The presented form is derived at read time and never persisted.
type Preferences struct {
	RecipientID string         `gorm:"type:uuid;primaryKey" json:"recipient_id"`
	Recipient   Recipient      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Groups      datatypes.JSON `gorm:"column:groups" json:"groups"`
}

// DecodeGroups parses the stored JSON column into a preference list.
func (p *Preferences) DecodeGroups() (GroupPreferences, error) {
	if len(p.Groups) == 0 {
		return nil, nil
	}
	var groups GroupPreferences
	if err := json.Unmarshal(p.Groups, &groups); err != nil {
		return nil, fmt.Errorf("preferences: decode groups: %w", err)
	}
	return groups, nil
}

// EncodeGroups serialises a preference list back into the stored column form.
func (p *Preferences) EncodeGroups(groups GroupPreferences) error {
	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("preferences: encode groups: %w", err)
	}
	p.Groups = datatypes.JSON(data)
	return nil
}
