package backends

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmClient is the slice of the Firebase messaging client the backend uses.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, message *messaging.Message) (string, error)
}

// FCM delivers push and web-push notifications through Firebase Cloud
// Messaging. An unregistered token is reported as a destination-invalid
// failure with a request to clear the stored identity.
type FCM struct {
	client fcmClient
	dryRun bool
}

// FCMConfig holds Firebase initialisation options.
type FCMConfig struct {
	CredentialsFile string
	DryRun          bool
}

// NewFCM initialises the Firebase app and messaging client.
func NewFCM(ctx context.Context, cfg FCMConfig) (*FCM, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("fcm: initialise app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: messaging client: %w", err)
	}

	return &FCM{client: client, dryRun: cfg.DryRun}, nil
}

// NewFCMWithClient wires a preconstructed client, primarily for testing.
func NewFCMWithClient(client fcmClient) *FCM {
	return &FCM{client: client}
}

// Send pushes the delivery to the recipient's registered token. A delivery
// without subject and body is sent as a data-only silent push.
func (f *FCM) Send(ctx context.Context, d Delivery) error {
	if d.Recipient == nil || d.Recipient.PushToken == "" {
		return &SendError{Code: FailureDestinationInvalid, Detail: "no push token registered", ClearIdentity: false}
	}

	msg := &messaging.Message{
		Token: d.Recipient.PushToken,
		Data:  d.Data,
	}
	if d.Subject != "" || d.Body != "" {
		msg.Notification = &messaging.Notification{
			Title: d.Subject,
			Body:  d.Body,
		}
	}

	var err error
	if f.dryRun {
		_, err = f.client.SendDryRun(ctx, msg)
	} else {
		_, err = f.client.Send(ctx, msg)
	}
	if err == nil {
		return nil
	}

	switch {
	case messaging.IsUnregistered(err):
		return &SendError{Code: FailureDestinationInvalid, Detail: err.Error(), ClearIdentity: true}
	case messaging.IsQuotaExceeded(err):
		return &SendError{Code: FailureQuotaExceeded, Detail: err.Error()}
	case messaging.IsSenderIDMismatch(err), messaging.IsThirdPartyAuthError(err):
		return &SendError{Code: FailureAuthError, Detail: err.Error()}
	default:
		return &SendError{Code: FailureTransport, Detail: err.Error()}
	}
}
