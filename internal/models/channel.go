package models

// Channel identifies a delivery medium.
type Channel string

// Supported delivery channels.
const (
	ChannelPush    Channel = "push"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebPush Channel = "web_push"
)

// Channels lists every supported channel in canonical order.
var Channels = []Channel{ChannelPush, ChannelEmail, ChannelSMS, ChannelWebPush}

// Valid reports whether the channel is a known delivery medium.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelWebPush:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// DeliveryStatus tracks the lifecycle of a delivery record.
type DeliveryStatus string

// Delivery record statuses. NEW is the only non-terminal state.
const (
	DeliveryStatusNew                  DeliveryStatus = "new"
	DeliveryStatusSent                 DeliveryStatus = "sent"
	DeliveryStatusFailed               DeliveryStatus = "failed"
	DeliveryStatusSkippedForPreference DeliveryStatus = "skipped_for_preference"
)

// Terminal reports whether no further transition may leave the status.
func (s DeliveryStatus) Terminal() bool {
	return s != DeliveryStatusNew
}

// FailureReason is a stable code describing why a delivery failed.
type FailureReason string

// Failure reason codes recorded on delivery records.
const (
	FailureReasonNone                   FailureReason = ""
	FailureReasonMissingChannelIdentity FailureReason = "missing_channel_identity"
	FailureReasonChannelNotVerified     FailureReason = "channel_not_verified"
	FailureReasonMissingTemplate        FailureReason = "missing_template"
	FailureReasonBackendError           FailureReason = "backend_error"
)
