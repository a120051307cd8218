package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/inboxd/internal/models"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("welcome", Hooks{}))
	require.ErrorIs(t, r.Register("welcome", Hooks{}), ErrDuplicateMessageKey)
	require.ErrorIs(t, r.Register("  ", Hooks{}), ErrEmptyMessageKey)

	_, ok := r.Lookup("welcome")
	require.True(t, ok)
	_, ok = r.Lookup("missing")
	require.False(t, ok)

	require.Equal(t, []string{"welcome"}, r.Keys())
}

func TestRegistryUnregisteredHooksAreNoOps(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	msg := &models.Message{Key: "welcome"}
	rec := &models.DeliveryRecord{Channel: models.ChannelEmail}

	out, err := r.RunPreCreate(ctx, msg, models.ChannelEmail, rec)
	require.NoError(t, err)
	require.Same(t, rec, out)

	require.NoError(t, r.RunPostCreate(ctx, msg, models.ChannelEmail, rec))
	require.NoError(t, r.RunPostFanOut(ctx, msg))

	_, ok := r.CanSendOverride("welcome")
	require.False(t, ok)
	_, ok = r.ChannelOverride("welcome", models.ChannelPush)
	require.False(t, ok)
}

func TestRegistryPreCreateCanCancel(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("welcome", Hooks{
		PreCreate: func(ctx context.Context, msg *models.Message, ch models.Channel, rec *models.DeliveryRecord) (*models.DeliveryRecord, error) {
			if ch == models.ChannelPush {
				return nil, nil
			}
			return rec, nil
		},
	})

	ctx := context.Background()
	msg := &models.Message{Key: "welcome"}

	out, err := r.RunPreCreate(ctx, msg, models.ChannelPush, &models.DeliveryRecord{Channel: models.ChannelPush})
	require.NoError(t, err)
	require.Nil(t, out)

	rec := &models.DeliveryRecord{Channel: models.ChannelEmail}
	out, err = r.RunPreCreate(ctx, msg, models.ChannelEmail, rec)
	require.NoError(t, err)
	require.Same(t, rec, out)
}

func TestRegistryChannelOverrideLookup(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("welcome", Hooks{
		CanSendForChannel: map[models.Channel]GateFunc{
			models.ChannelPush: func(ctx context.Context, rec *models.DeliveryRecord, msg *models.Message, recipient *models.Recipient) (bool, error) {
				return true, nil
			},
		},
	})

	_, ok := r.ChannelOverride("welcome", models.ChannelPush)
	require.True(t, ok)
	_, ok = r.ChannelOverride("welcome", models.ChannelEmail)
	require.False(t, ok)
}
