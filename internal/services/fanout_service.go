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

	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/database"
	"github.com/charlesng35/inboxd/internal/hooks"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/pkg/logger"
	"github.com/charlesng35/inboxd/pkg/metrics"
)

// FanOutService expands due messages into per-channel delivery records.
// Each message is fanned out exactly once, inside one transaction, so a
// crash never leaves a partially expanded message behind.
type FanOutService struct {
	db        *gorm.DB
	catalog   *catalog.Holder
	registry  *hooks.Registry
	messages  *MessageService
	retention *RetentionService
	batchSize int
	now       nowFunc
}

// NewFanOutService constructs a FanOutService.
func NewFanOutService(db *gorm.DB, holder *catalog.Holder, registry *hooks.Registry, messages *MessageService, batchSize int) (*FanOutService, error) {
	if db == nil {
		return nil, errors.New("fan-out service: db is required")
	}
	if holder == nil || holder.Current() == nil {
		return nil, errors.New("fan-out service: catalog is required")
	}
	if registry == nil {
		registry = hooks.NewRegistry()
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &FanOutService{
		db:        db,
		catalog:   holder,
		registry:  registry,
		messages:  messages,
		batchSize: batchSize,
		now:       defaultNow,
	}, nil
}

// WithRetention runs the retention maintainer for each recipient who gains a
// visible message, in addition to the scheduled sweep.
func (s *FanOutService) WithRetention(r *RetentionService) *FanOutService {
	s.retention = r
	return s
}

// WithNow overrides the service clock. Exported for testing.
func (s *FanOutService) WithNow(fn func() time.Time) *FanOutService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// ProcessBatch claims and fans out one batch of due messages, returning the
// number processed. Callers loop until it returns zero.
func (s *FanOutService) ProcessBatch(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)
	now := s.now()

	var claimed []models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.WithContext(ctx)
		if database.SupportsRowLocking(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		if err := query.
			Where("fanned_out = ? AND send_at <= ?", false, now).
			Order("send_at ASC").
			Limit(s.batchSize).
			Find(&claimed).Error; err != nil {
			return fmt.Errorf("fan-out service: claim messages: %w", err)
		}

		for i := range claimed {
			if err := s.fanOut(ctx, tx, &claimed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.BatchFailures.WithLabelValues("fan_out").Inc()
		return 0, err
	}

	s.afterBatch(ctx, claimed)
	return len(claimed), nil
}

// fanOut expands one message inside the supplied transaction. Candidate
// channels come from the catalog at expansion time, not creation time, so a
// reloaded catalog takes effect for queued messages.
func (s *FanOutService) fanOut(ctx context.Context, tx *gorm.DB, msg *models.Message) error {
	group, err := s.catalog.Current().ResolveGroup(msg.Key)
	if err != nil {
		// The group was removed while the message was queued. The message
		// can never be delivered or shown, so park it hidden.
		logger.Warn("message key no longer in catalog",
			zap.String("message_id", msg.ID), zap.String("key", msg.Key))
		msg.Hidden = true
		msg.FannedOut = true
		return s.saveFannedOut(ctx, tx, msg)
	}
	msg.GroupID = group.ID

	var candidates []models.Channel
	for _, ch := range group.CandidateChannels() {
		if group.ChannelSkippedForKey(ch, msg.Key) {
			continue
		}
		candidates = append(candidates, ch)
	}

	created := 0
	for _, ch := range candidates {
		rec := &models.DeliveryRecord{
			MessageID: msg.ID,
			Channel:   ch,
			SendAt:    msg.SendAt,
			Status:    models.DeliveryStatusNew,
		}

		rec, err := s.registry.RunPreCreate(ctx, msg, ch, rec)
		if err != nil {
			return fmt.Errorf("fan-out service: pre-create hook for %s/%s: %w", msg.Key, ch, err)
		}

		if rec != nil {
			rec.MessageID = msg.ID
			rec.Channel = ch
			if rec.SendAt.IsZero() {
				rec.SendAt = msg.SendAt
			}
			if rec.Status == "" {
				rec.Status = models.DeliveryStatusNew
			}
			if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
				return fmt.Errorf("fan-out service: create delivery record: %w", err)
			}
			created++
		}

		if err := s.registry.RunPostCreate(ctx, msg, ch, rec); err != nil {
			return fmt.Errorf("fan-out service: post-create hook for %s/%s: %w", msg.Key, ch, err)
		}
	}

	// A message whose every candidate channel was cancelled has no way to
	// reach the recipient and never becomes visible.
	if len(candidates) > 0 && created == 0 {
		msg.Hidden = true
	}

	if err := s.registry.RunPostFanOut(ctx, msg); err != nil {
		return fmt.Errorf("fan-out service: post-fan-out hook for %s: %w", msg.Key, err)
	}

	msg.FannedOut = true
	if err := s.saveFannedOut(ctx, tx, msg); err != nil {
		return err
	}

	outcome := "expanded"
	if msg.Hidden {
		outcome = "hidden"
	}
	metrics.MessagesFannedOut.WithLabelValues(outcome).Inc()
	return nil
}

func (s *FanOutService) saveFannedOut(ctx context.Context, tx *gorm.DB, msg *models.Message) error {
	if err := tx.WithContext(ctx).Model(msg).
		Select("fanned_out", "hidden", "group_id", "subject", "body", "data").
		Updates(msg).Error; err != nil {
		return fmt.Errorf("fan-out service: persist message: %w", err)
	}
	return nil
}

// afterBatch applies retention and propagates unread counts for every
// recipient who just gained a visible message. Retention runs first so the
// propagated count reflects any evictions.
func (s *FanOutService) afterBatch(ctx context.Context, processed []models.Message) {
	seen := make(map[string]struct{}, len(processed))
	for _, msg := range processed {
		if msg.Hidden {
			continue
		}
		if _, ok := seen[msg.RecipientID]; ok {
			continue
		}
		seen[msg.RecipientID] = struct{}{}

		if s.retention != nil {
			if _, err := s.retention.MaintainRecipient(ctx, msg.RecipientID); err != nil {
				logger.Warn("post-fan-out retention failed",
					zap.String("recipient_id", msg.RecipientID), zap.Error(err))
			}
		}
		if s.messages != nil {
			s.messages.PropagateUnreadCount(ctx, msg.RecipientID)
		}
	}
}

// ProcessAll drains the queue batch by batch until no due messages remain.
func (s *FanOutService) ProcessAll(ctx context.Context) (int, error) {
	total := 0
	var errs error
	for {
		n, err := s.ProcessBatch(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		total += n
		if n < s.batchSize {
			break
		}
	}
	return total, errs
}
