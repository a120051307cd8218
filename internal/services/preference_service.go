package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/database"
	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/models"
	apperrors "github.com/charlesng35/inboxd/pkg/errors"
)

// PreferenceService reads and reconciles recipients' group preferences.
// Writes merge against the stored list inside a transaction so concurrent
// patches to different groups never lose each other.
type PreferenceService struct {
	db      *gorm.DB
	catalog *catalog.Holder
	hub     *events.Hub
}

// NewPreferenceService constructs a PreferenceService.
func NewPreferenceService(db *gorm.DB, holder *catalog.Holder, hub *events.Hub) (*PreferenceService, error) {
	if db == nil {
		return nil, errors.New("preference service: db is required")
	}
	if holder == nil || holder.Current() == nil {
		return nil, errors.New("preference service: catalog is required")
	}
	return &PreferenceService{db: db, catalog: holder, hub: hub}, nil
}

// Get returns the presented preference view for the recipient: every catalog
// group in catalog order, stored values winning over defaults.
func (s *PreferenceService) Get(ctx context.Context, recipientID string) (models.GroupPreferences, error) {
	ctx = ensureContext(ctx)
	stored, err := s.loadStored(ctx, s.db, recipientID)
	if err != nil {
		return nil, err
	}
	return PresentPreferences(s.catalog.Current(), stored), nil
}

// Update replaces the recipient's preferences with the reconciled merge of
// the submitted list and the stored one, returning the presented result.
func (s *PreferenceService) Update(ctx context.Context, recipientID string, incoming models.GroupPreferences) (models.GroupPreferences, error) {
	ctx = ensureContext(ctx)
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, apperrors.NewBadRequest("recipient id is required")
	}

	var presented models.GroupPreferences
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.loadStoredLocked(ctx, tx, recipientID)
		if err != nil {
			return err
		}

		merged := MergePreferences(s.catalog.Current(), stored, incoming)
		if err := s.saveStored(ctx, tx, recipientID, merged); err != nil {
			return err
		}

		presented = PresentPreferences(s.catalog.Current(), merged)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(recipientID, presented)
	return presented, nil
}

// Patch updates a single group's channel values. Unknown groups and channels
// the group does not offer are rejected rather than silently dropped.
func (s *PreferenceService) Patch(ctx context.Context, recipientID, groupID string, values models.ChannelValues) (models.GroupPreferences, error) {
	ctx = ensureContext(ctx)
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, apperrors.NewBadRequest("recipient id is required")
	}

	group, ok := s.catalog.Current().Group(strings.TrimSpace(groupID))
	if !ok {
		return nil, apperrors.ErrUnknownGroup
	}
	for _, ch := range models.Channels {
		if values.Value(ch) != nil && group.Defaults.Value(ch) == nil {
			return nil, apperrors.ErrUnknownChannel.WithMessage(
				fmt.Sprintf("Channel %q is not offered for group %q", ch, group.ID))
		}
	}

	var presented models.GroupPreferences
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.loadStoredLocked(ctx, tx, recipientID)
		if err != nil {
			return err
		}

		patch := models.GroupPreference{ID: group.ID}
		for _, ch := range models.Channels {
			if v := values.Value(ch); v != nil {
				patch.SetValue(ch, v)
			} else if existing := storedValue(stored, group.ID, ch); existing != nil {
				patch.SetValue(ch, existing)
			}
		}

		merged := MergePreferences(s.catalog.Current(), stored, models.GroupPreferences{patch})
		if err := s.saveStored(ctx, tx, recipientID, merged); err != nil {
			return err
		}

		presented = PresentPreferences(s.catalog.Current(), merged)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(recipientID, presented)
	return presented, nil
}

func storedValue(stored models.GroupPreferences, groupID string, ch models.Channel) *bool {
	for _, pref := range stored {
		if pref.ID == groupID {
			return pref.Value(ch)
		}
	}
	return nil
}

func (s *PreferenceService) loadStored(ctx context.Context, db *gorm.DB, recipientID string) (models.GroupPreferences, error) {
	var row models.Preferences
	err := db.WithContext(ctx).First(&row, "recipient_id = ?", recipientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("preference service: load preferences: %w", err)
	}
	return row.DecodeGroups()
}

// loadStoredLocked takes a row lock on dialects that support it so two
// concurrent writes to the same recipient serialise instead of racing.
func (s *PreferenceService) loadStoredLocked(ctx context.Context, tx *gorm.DB, recipientID string) (models.GroupPreferences, error) {
	query := tx.WithContext(ctx)
	if database.SupportsRowLocking(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row models.Preferences
	err := query.First(&row, "recipient_id = ?", recipientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("preference service: load preferences: %w", err)
	}
	return row.DecodeGroups()
}

func (s *PreferenceService) saveStored(ctx context.Context, tx *gorm.DB, recipientID string, groups models.GroupPreferences) error {
	row := models.Preferences{RecipientID: recipientID}
	if err := row.EncodeGroups(groups); err != nil {
		return err
	}

	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"groups"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("preference service: save preferences: %w", err)
	}
	return nil
}

func (s *PreferenceService) publish(recipientID string, presented models.GroupPreferences) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.Event{
		Event:       events.EventPreferencesChanged,
		RecipientID: recipientID,
		Groups:      presented,
	})
}
