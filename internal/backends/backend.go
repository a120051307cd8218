package backends

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charlesng35/inboxd/internal/models"
)

// Failure codes reported by channel backends.
const (
	FailureDestinationInvalid = "destination_invalid"
	FailureQuotaExceeded      = "quota_exceeded"
	FailureAuthError          = "auth_error"
	FailureTransport          = "transport_error"
)

// SendError is a structured backend failure. Code is a stable identifier;
// Detail carries the backend's own description. ClearIdentity requests the
// recipient's stored channel identity be forgotten (for example an
// unregistered push token).
type SendError struct {
	Code          string
	Detail        string
	ClearIdentity bool
}

func (e *SendError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// AsSendError extracts a SendError from an error chain.
func AsSendError(err error) (*SendError, bool) {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr, true
	}
	return nil, false
}

// Delivery is the channel-agnostic payload handed to a backend.
type Delivery struct {
	Recipient *models.Recipient
	Channel   models.Channel
	Subject   string
	Body      string

	// Data is attached to push payloads. A delivery with no subject and
	// body but non-empty data is sent as a silent data-only push.
	Data map[string]string
}

// Backend sends a delivery through one channel's transport.
type Backend interface {
	Send(ctx context.Context, d Delivery) error
}

// Set is the per-channel backend lookup used by the dispatcher.
type Set struct {
	mu       sync.RWMutex
	backends map[models.Channel]Backend
}

// NewSet constructs an empty backend set.
func NewSet() *Set {
	return &Set{backends: make(map[models.Channel]Backend)}
}

// Register installs the backend for a channel, replacing any previous one.
func (s *Set) Register(ch models.Channel, b Backend) {
	if b == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[ch] = b
}

// For returns the backend registered for a channel.
func (s *Set) For(ch models.Channel) (Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[ch]
	return b, ok
}
