package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/templates"
	apperrors "github.com/charlesng35/inboxd/pkg/errors"
	"github.com/charlesng35/inboxd/pkg/logger"
	"github.com/charlesng35/inboxd/pkg/metrics"
)

// UnreadCountDataKey is the payload key carried by the silent push that
// propagates a recipient's unread total to their devices.
const UnreadCountDataKey = "inbox_message_unread_count"

// CreateMessageInput defines attributes required to enqueue a message.
type CreateMessageInput struct {
	RecipientID string
	Key         string

	// MessageID is an optional caller-supplied external id, unique per
	// recipient, used to reject duplicate submissions.
	MessageID *string

	Data      map[string]any
	DataEmail map[string]any

	// SendAt defers visibility and delivery. Zero means now.
	SendAt time.Time

	// Forced messages become visible immediately. Any SendAt deferral and
	// any external message id are discarded at create time.
	Forced bool
}

// ListMessagesInput defines filters for querying a recipient's inbox.
type ListMessagesInput struct {
	RecipientID string
	Limit       int
	Offset      int
	UnreadOnly  bool
}

// MessageServiceConfig carries the behavioural switches for message handling.
type MessageServiceConfig struct {
	// FailSilently downgrades message-validation failures at create time to
	// a logged warning with no persisted message and no returned error.
	FailSilently bool

	// DisableUnreadPush suppresses the silent unread-count push even when a
	// group offers the push channel.
	DisableUnreadPush bool
}

// MessageService owns the message lifecycle up to fan-out: validated
// creation, inbox queries, read state, and deletion.
type MessageService struct {
	db       *gorm.DB
	catalog  *catalog.Holder
	resolver *templates.Resolver
	hub      *events.Hub
	backends *backends.Set
	cfg      MessageServiceConfig
	now      nowFunc
}

// NewMessageService constructs a MessageService.
func NewMessageService(db *gorm.DB, holder *catalog.Holder, resolver *templates.Resolver, hub *events.Hub, set *backends.Set, cfg MessageServiceConfig) (*MessageService, error) {
	if db == nil {
		return nil, errors.New("message service: db is required")
	}
	if holder == nil || holder.Current() == nil {
		return nil, errors.New("message service: catalog is required")
	}
	if resolver == nil {
		return nil, errors.New("message service: template resolver is required")
	}
	return &MessageService{
		db:       db,
		catalog:  holder,
		resolver: resolver,
		hub:      hub,
		backends: set,
		cfg:      cfg,
		now:      defaultNow,
	}, nil
}

// WithNow overrides the service clock. Exported for testing.
func (s *MessageService) WithNow(fn func() time.Time) *MessageService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// TemplateContext is the data made available to every template render.
type TemplateContext struct {
	Recipient *models.Recipient
	Data      map[string]any
}

// Create validates and persists a message for later fan-out. In fail-silently
// mode validation failures are logged and swallowed, returning a nil message.
func (s *MessageService) Create(ctx context.Context, input CreateMessageInput) (*models.Message, error) {
	msg, err := s.create(ctx, input)
	if err != nil && s.cfg.FailSilently && isCreateValidationError(err) {
		logger.Warn("message rejected",
			zap.String("recipient_id", input.RecipientID),
			zap.String("key", input.Key),
			zap.Error(err))
		return nil, nil
	}
	return msg, err
}

func (s *MessageService) create(ctx context.Context, input CreateMessageInput) (*models.Message, error) {
	ctx = ensureContext(ctx)

	recipientID := strings.TrimSpace(input.RecipientID)
	if recipientID == "" {
		return nil, apperrors.NewBadRequest("recipient id is required")
	}
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return nil, apperrors.ErrInvalidMessageKey
	}

	group, err := s.catalog.Current().ResolveGroup(key)
	if err != nil {
		return nil, apperrors.ErrInvalidMessageKey.WithInternal(err)
	}

	if err := s.resolver.CheckBase(key); err != nil {
		return nil, apperrors.ErrMissingTemplate.WithInternal(err)
	}

	var recipient models.Recipient
	if err := s.db.WithContext(ctx).First(&recipient, "id = ?", recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("message service: load recipient: %w", err)
	}

	// A forced message ignores scheduling and deduplication entirely. It is
	// pinned to the current instant and loses its external id.
	if input.Forced {
		input.SendAt = s.now()
		input.MessageID = nil
	}

	if input.MessageID != nil && strings.TrimSpace(*input.MessageID) != "" {
		externalID := strings.TrimSpace(*input.MessageID)
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Message{}).
			Where("recipient_id = ? AND message_id = ?", recipientID, externalID).
			Count(&count).Error; err != nil {
			return nil, fmt.Errorf("message service: check message id: %w", err)
		}
		if count > 0 {
			return nil, apperrors.ErrDuplicateMessageID
		}
		input.MessageID = &externalID
	} else {
		input.MessageID = nil
	}

	sendAt := input.SendAt
	if sendAt.IsZero() {
		sendAt = s.now()
	}

	tctx := TemplateContext{Recipient: &recipient, Data: input.Data}
	subject, err := s.resolver.BaseSubject(key, tctx)
	if err != nil {
		return nil, apperrors.ErrMissingTemplate.WithInternal(err)
	}
	excerpt, err := s.resolver.Excerpt(key, tctx)
	if err != nil {
		return nil, apperrors.ErrMissingTemplate.WithInternal(err)
	}

	msg := models.Message{
		RecipientID: recipientID,
		Key:         key,
		GroupID:     group.ID,
		Subject:     &subject,
		Body:        &excerpt,
		MessageID:   input.MessageID,
		SendAt:      sendAt.UTC(),
		Forced:      input.Forced,
	}

	if input.Data != nil {
		raw, err := json.Marshal(input.Data)
		if err != nil {
			return nil, fmt.Errorf("message service: marshal data: %w", err)
		}
		msg.Data = datatypes.JSON(raw)
	}
	if input.DataEmail != nil {
		raw, err := json.Marshal(input.DataEmail)
		if err != nil {
			return nil, fmt.Errorf("message service: marshal email data: %w", err)
		}
		msg.DataEmail = datatypes.JSON(raw)
	}

	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrDuplicateMessageID
		}
		return nil, fmt.Errorf("message service: create message: %w", err)
	}

	metrics.MessagesCreated.WithLabelValues(group.ID).Inc()
	return &msg, nil
}

func isCreateValidationError(err error) bool {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case apperrors.ErrInvalidMessageKey.Code,
		apperrors.ErrMissingTemplate.Code,
		apperrors.ErrDuplicateMessageID.Code:
		return true
	}
	return appErr.Code == apperrors.ErrBadRequest.Code
}

// Exists partitions the supplied external ids into those already present for
// the recipient and those not seen yet.
func (s *MessageService) Exists(ctx context.Context, recipientID string, messageIDs []string) (existing, missing []string, err error) {
	ctx = ensureContext(ctx)
	ids := normaliseIDs(messageIDs)
	if len(ids) == 0 {
		return nil, nil, nil
	}

	var found []string
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("recipient_id = ? AND message_id IN ?", recipientID, ids).
		Pluck("message_id", &found).Error; err != nil {
		return nil, nil, fmt.Errorf("message service: check existing ids: %w", err)
	}

	seen := make(map[string]struct{}, len(found))
	for _, id := range found {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			existing = append(existing, id)
		} else {
			missing = append(missing, id)
		}
	}
	return existing, missing, nil
}

// List returns the recipient's visible messages ordered newest first, along
// with the total count for pagination.
func (s *MessageService) List(ctx context.Context, input ListMessagesInput) ([]models.Message, int64, error) {
	ctx = ensureContext(ctx)
	recipientID := strings.TrimSpace(input.RecipientID)
	if recipientID == "" {
		return nil, 0, apperrors.NewBadRequest("recipient id is required")
	}

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	query := s.db.WithContext(ctx).Model(&models.Message{}).
		Scopes(models.LiveMessages(s.now())).
		Where("recipient_id = ?", recipientID)
	if input.UnreadOnly {
		query = query.Where("read_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("message service: count messages: %w", err)
	}

	var rows []models.Message
	if err := query.
		Order("send_at DESC, created_at DESC").
		Limit(limit).
		Offset(max(0, input.Offset)).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("message service: list messages: %w", err)
	}

	return rows, total, nil
}

// Get loads one visible message owned by the recipient.
func (s *MessageService) Get(ctx context.Context, recipientID, messageID string) (*models.Message, error) {
	ctx = ensureContext(ctx)
	var msg models.Message
	if err := s.db.WithContext(ctx).
		Scopes(models.LiveMessages(s.now())).
		Where("id = ? AND recipient_id = ?", messageID, recipientID).
		First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("message service: load message: %w", err)
	}
	return &msg, nil
}

// RenderFullBody renders the on-demand full body for a visible message.
func (s *MessageService) RenderFullBody(ctx context.Context, recipientID, messageID string) (string, error) {
	msg, err := s.Get(ctx, recipientID, messageID)
	if err != nil {
		return "", err
	}

	var recipient models.Recipient
	if err := s.db.WithContext(ensureContext(ctx)).First(&recipient, "id = ?", recipientID).Error; err != nil {
		return "", fmt.Errorf("message service: load recipient: %w", err)
	}

	body, err := s.resolver.FullBody(msg.Key, TemplateContext{Recipient: &recipient, Data: decodeData(msg.Data)})
	if err != nil {
		return "", apperrors.ErrMissingTemplate.WithInternal(err)
	}
	return body, nil
}

// MarkRead stamps the message read and propagates the new unread count.
func (s *MessageService) MarkRead(ctx context.Context, recipientID, messageID string) (*models.Message, error) {
	return s.setReadAt(ctx, recipientID, messageID, true)
}

// MarkUnread clears the read stamp and propagates the new unread count.
func (s *MessageService) MarkUnread(ctx context.Context, recipientID, messageID string) (*models.Message, error) {
	return s.setReadAt(ctx, recipientID, messageID, false)
}

func (s *MessageService) setReadAt(ctx context.Context, recipientID, messageID string, read bool) (*models.Message, error) {
	ctx = ensureContext(ctx)
	msg, err := s.Get(ctx, recipientID, messageID)
	if err != nil {
		return nil, err
	}

	var readAt *time.Time
	if read {
		now := s.now()
		readAt = &now
	}

	if err := s.db.WithContext(ctx).Model(msg).
		Update("read_at", readAt).Error; err != nil {
		return nil, fmt.Errorf("message service: update read state: %w", err)
	}
	msg.ReadAt = readAt

	s.PropagateUnreadCount(ctx, recipientID)
	return msg, nil
}

// MarkAllRead stamps every unread visible message for the recipient.
func (s *MessageService) MarkAllRead(ctx context.Context, recipientID string) error {
	ctx = ensureContext(ctx)
	now := s.now()
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Scopes(models.LiveMessages(now)).
		Where("recipient_id = ? AND read_at IS NULL", recipientID).
		Update("read_at", now).Error; err != nil {
		return fmt.Errorf("message service: mark all read: %w", err)
	}

	s.PropagateUnreadCount(ctx, recipientID)
	return nil
}

// Delete soft-deletes a message from the recipient's inbox.
func (s *MessageService) Delete(ctx context.Context, recipientID, messageID string) error {
	ctx = ensureContext(ctx)
	result := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND recipient_id = ? AND deleted_at IS NULL", messageID, recipientID).
		Update("deleted_at", s.now())
	if result.Error != nil {
		return fmt.Errorf("message service: delete message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}

	s.PropagateUnreadCount(ctx, recipientID)
	return nil
}

// UnreadCount returns the number of visible unread messages for the recipient.
func (s *MessageService) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	ctx = ensureContext(ctx)
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Scopes(models.LiveMessages(s.now())).
		Where("recipient_id = ? AND read_at IS NULL", recipientID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("message service: unread count: %w", err)
	}
	return count, nil
}

// PropagateUnreadCount publishes the recipient's unread total to live
// subscribers and, when the catalog offers push, to their devices through a
// silent data push.
func (s *MessageService) PropagateUnreadCount(ctx context.Context, recipientID string) {
	ctx = ensureContext(ctx)
	count, err := s.UnreadCount(ctx, recipientID)
	if err != nil {
		logger.Error("unread count lookup failed",
			zap.String("recipient_id", recipientID), zap.Error(err))
		return
	}

	if s.hub != nil {
		s.hub.PublishUnreadCount(recipientID, int(count))
	}

	if s.cfg.DisableUnreadPush || s.backends == nil || !s.catalog.Current().PushOffered() {
		return
	}
	backend, ok := s.backends.For(models.ChannelPush)
	if !ok {
		return
	}

	var recipient models.Recipient
	if err := s.db.WithContext(ctx).First(&recipient, "id = ?", recipientID).Error; err != nil {
		return
	}
	if recipient.PushToken == "" {
		return
	}

	err = backend.Send(ctx, backends.Delivery{
		Recipient: &recipient,
		Channel:   models.ChannelPush,
		Data:      map[string]string{UnreadCountDataKey: strconv.FormatInt(count, 10)},
	})
	if err != nil {
		if sendErr, ok := backends.AsSendError(err); ok && sendErr.ClearIdentity {
			s.clearPushToken(ctx, &recipient)
		}
		logger.Warn("unread count push failed",
			zap.String("recipient_id", recipientID), zap.Error(err))
	}
}

func (s *MessageService) clearPushToken(ctx context.Context, recipient *models.Recipient) {
	if err := s.db.WithContext(ctx).Model(recipient).
		Update("push_token", "").Error; err != nil {
		logger.Error("clear push token failed",
			zap.String("recipient_id", recipient.ID), zap.Error(err))
	}
}

func decodeData(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}
