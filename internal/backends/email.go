package backends

import (
	"context"

	"github.com/charlesng35/inboxd/pkg/mail"
)

// Email delivers messages through an SMTP mailer. Email bodies are rendered
// from HTML templates, so messages go out with an HTML content type.
type Email struct {
	mailer mail.Mailer
}

// NewEmail wraps a configured mailer as a channel backend.
func NewEmail(mailer mail.Mailer) *Email {
	return &Email{mailer: mailer}
}

// Send delivers the message to the recipient's email address.
func (e *Email) Send(ctx context.Context, d Delivery) error {
	if d.Recipient == nil || d.Recipient.Email == "" {
		return &SendError{Code: FailureDestinationInvalid, Detail: "no email address on file"}
	}

	err := e.mailer.Send(ctx, mail.Message{
		To:      []string{d.Recipient.Email},
		Subject: d.Subject,
		Body:    d.Body,
		HTML:    true,
	})
	if err != nil {
		return &SendError{Code: FailureTransport, Detail: err.Error()}
	}
	return nil
}
