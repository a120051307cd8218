package hooks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/charlesng35/inboxd/internal/models"
)

var (
	// ErrEmptyMessageKey indicates a registration without a message key.
	ErrEmptyMessageKey = errors.New("hooks: message key is required")
	// ErrDuplicateMessageKey indicates a hook registration conflict.
	ErrDuplicateMessageKey = errors.New("hooks: message key already registered")
)

// PreCreateFunc runs before a delivery record is persisted. It may replace
// the record or return nil to cancel creation on that channel.
type PreCreateFunc func(ctx context.Context, msg *models.Message, ch models.Channel, rec *models.DeliveryRecord) (*models.DeliveryRecord, error)

// PostCreateFunc runs after the pre-create decision for every candidate
// channel. rec is nil when the record was cancelled.
type PostCreateFunc func(ctx context.Context, msg *models.Message, ch models.Channel, rec *models.DeliveryRecord) error

// PostFanOutFunc runs once per message after all channels were considered and
// may mutate the message before it is finally persisted.
type PostFanOutFunc func(ctx context.Context, msg *models.Message) error

// GateFunc decides whether a delivery record may be sent. It may mutate the
// record (for example to assign a failure reason) before returning false.
type GateFunc func(ctx context.Context, rec *models.DeliveryRecord, msg *models.Message, recipient *models.Recipient) (bool, error)

// Hooks bundles the extension points available for one message key. Any nil
// member is treated as absent, which is a no-op rather than an error.
type Hooks struct {
	PreCreate  PreCreateFunc
	PostCreate PostCreateFunc
	PostFanOut PostFanOutFunc

	// CanSend, when set, fully overrides the delivery gate.
	CanSend GateFunc
	// CanSendForChannel overrides only the channel capability check.
	CanSendForChannel map[models.Channel]GateFunc
}

// Registry stores hooks keyed by message key with concurrency safety.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hooks
}

// NewRegistry constructs an empty hook registry instance.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]Hooks)}
}

// Register adds the hooks for a message key.
func (r *Registry) Register(messageKey string, h Hooks) error {
	key := strings.TrimSpace(messageKey)
	if key == "" {
		return ErrEmptyMessageKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[key]; exists {
		return ErrDuplicateMessageKey
	}

	r.hooks[key] = h
	return nil
}

// MustRegister wraps Register and panics on validation errors. Intended for init usage.
func (r *Registry) MustRegister(messageKey string, h Hooks) {
	if err := r.Register(messageKey, h); err != nil {
		panic(err)
	}
}

// Lookup returns the hooks registered for a message key.
func (r *Registry) Lookup(messageKey string) (Hooks, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[strings.TrimSpace(messageKey)]
	return h, ok
}

// Keys returns a sorted slice of all registered message keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.hooks))
	for key := range r.hooks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Reset clears the registry. Exported for testing only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = make(map[string]Hooks)
}

// RunPreCreate applies the pre-create hook for the message key, passing the
// record through unchanged when no hook is registered.
func (r *Registry) RunPreCreate(ctx context.Context, msg *models.Message, ch models.Channel, rec *models.DeliveryRecord) (*models.DeliveryRecord, error) {
	h, ok := r.Lookup(msg.Key)
	if !ok || h.PreCreate == nil {
		return rec, nil
	}
	return h.PreCreate(ctx, msg, ch, rec)
}

// RunPostCreate applies the post-create hook for the message key.
func (r *Registry) RunPostCreate(ctx context.Context, msg *models.Message, ch models.Channel, rec *models.DeliveryRecord) error {
	h, ok := r.Lookup(msg.Key)
	if !ok || h.PostCreate == nil {
		return nil
	}
	return h.PostCreate(ctx, msg, ch, rec)
}

// RunPostFanOut applies the post-fan-out hook for the message key.
func (r *Registry) RunPostFanOut(ctx context.Context, msg *models.Message) error {
	h, ok := r.Lookup(msg.Key)
	if !ok || h.PostFanOut == nil {
		return nil
	}
	return h.PostFanOut(ctx, msg)
}

// CanSendOverride returns the full gate override for the message key, if any.
func (r *Registry) CanSendOverride(messageKey string) (GateFunc, bool) {
	h, ok := r.Lookup(messageKey)
	if !ok || h.CanSend == nil {
		return nil, false
	}
	return h.CanSend, true
}

// ChannelOverride returns the capability-check override for the message key
// and channel, if any.
func (r *Registry) ChannelOverride(messageKey string, ch models.Channel) (GateFunc, bool) {
	h, ok := r.Lookup(messageKey)
	if !ok || h.CanSendForChannel == nil {
		return nil, false
	}
	fn, ok := h.CanSendForChannel[ch]
	if !ok || fn == nil {
		return nil, false
	}
	return fn, true
}
