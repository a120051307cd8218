package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/database"
	"github.com/charlesng35/inboxd/internal/hooks"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/templates"
	"github.com/charlesng35/inboxd/pkg/logger"
	"github.com/charlesng35/inboxd/pkg/metrics"
)

// DispatchServiceConfig carries the delivery-gate switches.
type DispatchServiceConfig struct {
	// RequireEmailVerified refuses email delivery to unverified addresses.
	RequireEmailVerified bool
	// RequirePhoneVerified refuses sms delivery to unverified numbers.
	RequirePhoneVerified bool

	BatchSize int
}

// DispatchService moves new delivery records to a terminal status: it runs
// the delivery gate, renders channel content, and hands the result to the
// channel backend.
type DispatchService struct {
	db       *gorm.DB
	catalog  *catalog.Holder
	registry *hooks.Registry
	resolver *templates.Resolver
	prefs    *PreferenceService
	backends *backends.Set
	cfg      DispatchServiceConfig
	now      nowFunc
}

// NewDispatchService constructs a DispatchService.
func NewDispatchService(db *gorm.DB, holder *catalog.Holder, registry *hooks.Registry, resolver *templates.Resolver, prefs *PreferenceService, set *backends.Set, cfg DispatchServiceConfig) (*DispatchService, error) {
	if db == nil {
		return nil, errors.New("dispatch service: db is required")
	}
	if holder == nil || holder.Current() == nil {
		return nil, errors.New("dispatch service: catalog is required")
	}
	if resolver == nil {
		return nil, errors.New("dispatch service: template resolver is required")
	}
	if prefs == nil {
		return nil, errors.New("dispatch service: preference service is required")
	}
	if set == nil {
		set = backends.NewSet()
	}
	if registry == nil {
		registry = hooks.NewRegistry()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &DispatchService{
		db:       db,
		catalog:  holder,
		registry: registry,
		resolver: resolver,
		prefs:    prefs,
		backends: set,
		cfg:      cfg,
		now:      defaultNow,
	}, nil
}

// WithNow overrides the service clock. Exported for testing.
func (s *DispatchService) WithNow(fn func() time.Time) *DispatchService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// ProcessBatch claims one batch of due delivery records and drives each to a
// terminal status, returning the number processed.
func (s *DispatchService) ProcessBatch(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)
	now := s.now()

	var claimed []models.DeliveryRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.WithContext(ctx)
		if database.SupportsRowLocking(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		if err := query.
			Where("status = ? AND send_at <= ?", models.DeliveryStatusNew, now).
			Order("send_at ASC").
			Limit(s.cfg.BatchSize).
			Find(&claimed).Error; err != nil {
			return fmt.Errorf("dispatch service: claim delivery records: %w", err)
		}

		for i := range claimed {
			if err := s.dispatch(ctx, tx, &claimed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.BatchFailures.WithLabelValues("dispatch").Inc()
		return 0, err
	}

	return len(claimed), nil
}

// ProcessAll drains due delivery records batch by batch.
func (s *DispatchService) ProcessAll(ctx context.Context) (int, error) {
	total := 0
	var errs error
	for {
		n, err := s.ProcessBatch(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		total += n
		if n < s.cfg.BatchSize {
			break
		}
	}
	return total, errs
}

// dispatch drives one record to its terminal status inside the batch
// transaction. Gate failures are recorded, never returned: only
// infrastructure errors abort the batch.
func (s *DispatchService) dispatch(ctx context.Context, tx *gorm.DB, rec *models.DeliveryRecord) error {
	var msg models.Message
	if err := tx.WithContext(ctx).First(&msg, "id = ?", rec.MessageID).Error; err != nil {
		return fmt.Errorf("dispatch service: load message: %w", err)
	}
	var recipient models.Recipient
	if err := tx.WithContext(ctx).First(&recipient, "id = ?", msg.RecipientID).Error; err != nil {
		return fmt.Errorf("dispatch service: load recipient: %w", err)
	}

	allowed, err := s.gate(ctx, tx, rec, &msg, &recipient)
	if err != nil {
		return err
	}

	if allowed {
		s.send(ctx, tx, rec, &msg, &recipient)
	}

	if !rec.Status.Terminal() {
		// The gate said no without assigning a status.
		rec.Status = models.DeliveryStatusSkippedForPreference
	}

	if err := tx.WithContext(ctx).Model(rec).
		Select("status", "failure_reason", "failure_detail").
		Updates(rec).Error; err != nil {
		return fmt.Errorf("dispatch service: persist delivery record: %w", err)
	}

	metrics.Deliveries.WithLabelValues(rec.Channel.String(), string(rec.Status)).Inc()
	return nil
}

// gate decides whether the record may be handed to a backend. It reports
// false after assigning a terminal status (or leaving it for the caller to
// default to skipped-for-preference).
func (s *DispatchService) gate(ctx context.Context, tx *gorm.DB, rec *models.DeliveryRecord, msg *models.Message, recipient *models.Recipient) (bool, error) {
	// A registered can-send hook replaces the whole gate.
	if override, ok := s.registry.CanSendOverride(msg.Key); ok {
		allowed, err := override(ctx, rec, msg, recipient)
		if err != nil {
			return false, fmt.Errorf("dispatch service: can-send hook for %s: %w", msg.Key, err)
		}
		return allowed, nil
	}

	if ok, err := s.checkChannelCapability(ctx, rec, msg, recipient); err != nil || !ok {
		return false, err
	}

	stored, err := s.prefs.loadStored(ctx, tx, msg.RecipientID)
	if err != nil {
		return false, err
	}
	presented := PresentPreferences(s.catalog.Current(), stored)
	for _, pref := range presented {
		if pref.ID != msg.GroupID {
			continue
		}
		if pref.Enabled(rec.Channel) {
			return true, nil
		}
		break
	}
	rec.Status = models.DeliveryStatusSkippedForPreference
	return false, nil
}

// checkChannelCapability verifies the recipient can be reached on the
// record's channel, honouring a per-channel hook override when registered.
func (s *DispatchService) checkChannelCapability(ctx context.Context, rec *models.DeliveryRecord, msg *models.Message, recipient *models.Recipient) (bool, error) {
	if override, ok := s.registry.ChannelOverride(msg.Key, rec.Channel); ok {
		allowed, err := override(ctx, rec, msg, recipient)
		if err != nil {
			return false, fmt.Errorf("dispatch service: channel hook for %s/%s: %w", msg.Key, rec.Channel, err)
		}
		if !allowed && !rec.Status.Terminal() {
			rec.MarkFailed(models.FailureReasonMissingChannelIdentity, "refused by channel hook")
		}
		return allowed, nil
	}

	switch rec.Channel {
	case models.ChannelPush, models.ChannelWebPush:
		// FCM carries both native and web push, so a web_push record
		// needs a registered token just like a push one.
		if recipient.PushToken == "" {
			rec.MarkFailed(models.FailureReasonMissingChannelIdentity, "no push token on file")
			return false, nil
		}
	case models.ChannelEmail:
		if recipient.Email == "" {
			rec.MarkFailed(models.FailureReasonMissingChannelIdentity, "no email address on file")
			return false, nil
		}
		if s.cfg.RequireEmailVerified && !recipient.EmailVerified() {
			rec.MarkFailed(models.FailureReasonChannelNotVerified, "email address not verified")
			return false, nil
		}
	case models.ChannelSMS:
		if recipient.Phone == "" {
			rec.MarkFailed(models.FailureReasonMissingChannelIdentity, "no phone number on file")
			return false, nil
		}
		if s.cfg.RequirePhoneVerified && !recipient.PhoneVerified() {
			rec.MarkFailed(models.FailureReasonChannelNotVerified, "phone number not verified")
			return false, nil
		}
	}
	return true, nil
}

// send renders the channel content and hands it to the backend, assigning
// the record's terminal status from the outcome.
func (s *DispatchService) send(ctx context.Context, tx *gorm.DB, rec *models.DeliveryRecord, msg *models.Message, recipient *models.Recipient) {
	data := decodeData(msg.Data)
	if rec.Channel == models.ChannelEmail {
		for k, v := range decodeData(msg.DataEmail) {
			if data == nil {
				data = make(map[string]any)
			}
			data[k] = v
		}
	}
	tctx := TemplateContext{Recipient: recipient, Data: data}

	subject, err := s.resolver.Subject(msg.Key, rec.Channel.String(), tctx)
	if err != nil {
		rec.MarkFailed(models.FailureReasonMissingTemplate, err.Error())
		return
	}
	body, err := s.resolver.Body(msg.Key, rec.Channel.String(), tctx)
	if err != nil {
		rec.MarkFailed(models.FailureReasonMissingTemplate, err.Error())
		return
	}

	backend, ok := s.backends.For(rec.Channel)
	if !ok {
		rec.MarkFailed(models.FailureReasonBackendError,
			fmt.Sprintf("no backend configured for channel %s", rec.Channel))
		return
	}

	err = backend.Send(ctx, backends.Delivery{
		Recipient: recipient,
		Channel:   rec.Channel,
		Subject:   subject,
		Body:      body,
		Data:      stringifyData(data),
	})
	if err != nil {
		detail := err.Error()
		if sendErr, ok := backends.AsSendError(err); ok {
			detail = fmt.Sprintf("%s: %s", sendErr.Code, sendErr.Detail)
			if sendErr.ClearIdentity {
				s.clearPushToken(ctx, tx, recipient)
			}
		}
		rec.MarkFailed(models.FailureReasonBackendError, detail)
		logger.Warn("delivery failed",
			zap.String("message_id", msg.ID),
			zap.String("channel", rec.Channel.String()),
			zap.Error(err))
		return
	}

	rec.Status = models.DeliveryStatusSent
}

func (s *DispatchService) clearPushToken(ctx context.Context, tx *gorm.DB, recipient *models.Recipient) {
	if err := tx.WithContext(ctx).Model(recipient).
		Update("push_token", "").Error; err != nil {
		logger.Error("clear push token failed",
			zap.String("recipient_id", recipient.ID), zap.Error(err))
	}
}

func stringifyData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = fmt.Sprint(v)
	}
	return out
}
