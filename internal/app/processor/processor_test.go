package processor

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/inboxd/internal/database/testutil"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/services"
)

func TestRunOnceWithoutServicesIsNoOp(t *testing.T) {
	p := New(nil, nil, nil)
	require.NoError(t, p.RunOnce(t.Context()))
}

func TestStartRegistersConfiguredJobs(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	retention, err := services.NewRetentionService(db, services.RetentionPolicy{MaxAge: time.Hour})
	require.NoError(t, err)

	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	p := New(nil, nil, retention,
		WithCron(c),
		WithMaintenanceSchedule("@every 1h"),
	)

	require.NoError(t, p.Start())
	require.Len(t, c.Entries(), 1)
	<-p.Stop().Done()
}

func TestRunOnceAppliesRetention(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	recipient := &models.Recipient{Email: "ada@example.com"}
	require.NoError(t, db.Create(recipient).Error)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &models.Message{
		RecipientID: recipient.ID,
		Key:         "release_notes",
		SendAt:      now.Add(-48 * time.Hour),
		FannedOut:   true,
	}
	require.NoError(t, db.Create(msg).Error)

	retention, err := services.NewRetentionService(db, services.RetentionPolicy{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	retention.WithNow(func() time.Time { return now })

	p := New(nil, nil, retention)
	require.NoError(t, p.RunOnce(t.Context()))

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Count(&count).Error)
	require.Zero(t, count)
}
