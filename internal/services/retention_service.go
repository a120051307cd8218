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

	"github.com/charlesng35/inboxd/internal/database"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/pkg/logger"
	"github.com/charlesng35/inboxd/pkg/metrics"
)

// RetentionPolicy bounds each recipient's inbox. Zero values disable the
// corresponding rule.
type RetentionPolicy struct {
	// MaxAge evicts messages older than this.
	MaxAge time.Duration
	// MinAge protects recent messages from every eviction rule.
	MinAge time.Duration
	// MinCount keeps at least this many newest messages regardless of age.
	MinCount int
	// MaxCount caps the inbox size.
	MaxCount int
}

// RetentionService trims each recipient's inbox to the configured policy.
// Messages with a caller-supplied external id are soft-deleted so duplicate
// submission checks keep working; the rest are removed outright.
type RetentionService struct {
	db     *gorm.DB
	policy RetentionPolicy
	now    nowFunc
}

// NewRetentionService constructs a RetentionService.
func NewRetentionService(db *gorm.DB, policy RetentionPolicy) (*RetentionService, error) {
	if db == nil {
		return nil, errors.New("retention service: db is required")
	}
	return &RetentionService{db: db, policy: policy, now: defaultNow}, nil
}

// WithNow overrides the service clock. Exported for testing.
func (s *RetentionService) WithNow(fn func() time.Time) *RetentionService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// MaintainRecipient applies the retention policy to one recipient's inbox
// and returns the number of messages evicted. The whole pass runs in one
// transaction holding the recipient's live rows, so overlapping workers
// serialise per recipient and a crash leaves the inbox untrimmed for retry.
func (s *RetentionService) MaintainRecipient(ctx context.Context, recipientID string) (int, error) {
	ctx = ensureContext(ctx)
	now := s.now()

	evicted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.WithContext(ctx)
		if database.SupportsRowLocking(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		// Ranking covers live messages only. Hidden, future-scheduled and
		// not-yet-fanned-out rows neither occupy rank slots nor get evicted.
		var rows []models.Message
		if err := query.
			Scopes(models.LiveMessages(now)).
			Where("recipient_id = ?", recipientID).
			Order("send_at DESC, created_at DESC").
			Find(&rows).Error; err != nil {
			return fmt.Errorf("retention service: load messages: %w", err)
		}

		kept := 0
		for rank, msg := range rows {
			age := now.Sub(msg.SendAt)

			// The newest MinCount messages survive every rule.
			if s.policy.MinCount > 0 && rank < s.policy.MinCount {
				kept++
				continue
			}

			// MinAge shields messages up to exactly MinAge old from both
			// eviction rules.
			protected := s.policy.MinAge > 0 && age <= s.policy.MinAge

			if s.policy.MaxAge > 0 && age > s.policy.MaxAge && !protected {
				if err := s.evict(ctx, tx, &msg, "max_age", now); err != nil {
					return err
				}
				evicted++
				continue
			}

			if s.policy.MaxCount > 0 && kept >= s.policy.MaxCount && !protected {
				if err := s.evict(ctx, tx, &msg, "max_count", now); err != nil {
					return err
				}
				evicted++
				continue
			}

			kept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}

// MaintainAll applies the policy to every recipient with live messages.
func (s *RetentionService) MaintainAll(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)

	var recipientIDs []string
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Scopes(models.LiveMessages(s.now())).
		Distinct("recipient_id").
		Pluck("recipient_id", &recipientIDs).Error; err != nil {
		return 0, fmt.Errorf("retention service: list recipients: %w", err)
	}

	total := 0
	var errs error
	for _, id := range recipientIDs {
		n, err := s.MaintainRecipient(ctx, id)
		total += n
		if err != nil {
			metrics.BatchFailures.WithLabelValues("retention").Inc()
			errs = multierr.Append(errs, err)
		}
	}

	if total > 0 {
		logger.Info("retention maintenance finished",
			zap.Int("recipients", len(recipientIDs)), zap.Int("evicted", total))
	}
	return total, errs
}

// evict removes one message inside the caller's transaction. Hard delete is
// only safe when no external id is attached; otherwise the row is kept
// soft-deleted so the id stays reserved.
func (s *RetentionService) evict(ctx context.Context, tx *gorm.DB, msg *models.Message, rule string, now time.Time) error {
	if msg.MessageID == nil {
		if err := tx.WithContext(ctx).Delete(msg).Error; err != nil {
			return fmt.Errorf("retention service: delete message: %w", err)
		}
		metrics.RetentionDeletions.WithLabelValues(rule, "hard").Inc()
		return nil
	}

	if err := tx.WithContext(ctx).Model(msg).
		Update("deleted_at", now).Error; err != nil {
		return fmt.Errorf("retention service: soft delete message: %w", err)
	}
	metrics.RetentionDeletions.WithLabelValues(rule, "soft").Inc()
	return nil
}
