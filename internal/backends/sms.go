package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMS delivers texts through an HTTP gateway that accepts a JSON payload and
// answers 202 Accepted on success.
type SMS struct {
	url    string
	apiKey string
	client *http.Client
}

// NewSMS constructs a backend for the given gateway URL.
func NewSMS(url string) *SMS {
	return &SMS{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewSMSWithAPIKey constructs a backend that authenticates with a bearer key.
func NewSMSWithAPIKey(url, apiKey string) *SMS {
	s := NewSMS(url)
	s.apiKey = apiKey
	return s
}

type smsRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

// Send posts the message body to the gateway for the recipient's phone number.
func (s *SMS) Send(ctx context.Context, d Delivery) error {
	if d.Recipient == nil || d.Recipient.Phone == "" {
		return &SendError{Code: FailureDestinationInvalid, Detail: "no phone number on file"}
	}

	reqBody, err := json.Marshal(smsRequest{
		PhoneNumber: d.Recipient.Phone,
		Message:     d.Body,
	})
	if err != nil {
		return &SendError{Code: FailureTransport, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return &SendError{Code: FailureTransport, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Code: FailureTransport, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &SendError{Code: FailureAuthError, Detail: fmt.Sprintf("status %d body=%q", resp.StatusCode, body)}
	case http.StatusTooManyRequests:
		return &SendError{Code: FailureQuotaExceeded, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	default:
		return &SendError{Code: FailureTransport, Detail: fmt.Sprintf("unexpected status %d body=%q", resp.StatusCode, body)}
	}
}
