package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/inboxd/internal/models"
)

func boolPtr(v bool) *bool { return &v }

func testConfigs() []GroupConfig {
	return []GroupConfig{
		{
			ID:          "default",
			Label:       "News and Updates",
			MessageKeys: []string{"default", "weekly_digest"},
			PreferenceDefaults: models.ChannelValues{
				Push:  boolPtr(true),
				Email: boolPtr(true),
			},
			SkipEmail: []string{"weekly_digest"},
		},
		{
			ID:          "account",
			Label:       "Account Activity",
			MessageKeys: []string{"new_login", "password_changed"},
			PreferenceDefaults: models.ChannelValues{
				Push:  boolPtr(true),
				Email: boolPtr(true),
				SMS:   boolPtr(false),
			},
		},
	}
}

func TestCatalogResolveGroup(t *testing.T) {
	c, err := New(testConfigs())
	require.NoError(t, err)

	group, err := c.ResolveGroup("new_login")
	require.NoError(t, err)
	require.Equal(t, "account", group.ID)

	_, err = c.ResolveGroup("unknown_key")
	require.ErrorIs(t, err, ErrGroupNotFound)
}

func TestCatalogRejectsDuplicateMessageKey(t *testing.T) {
	configs := testConfigs()
	configs[1].MessageKeys = append(configs[1].MessageKeys, "default")

	_, err := New(configs)
	require.Error(t, err)
	require.Contains(t, err.Error(), "belongs to both")
}

func TestCatalogRejectsDuplicateGroupID(t *testing.T) {
	configs := testConfigs()
	configs[1].ID = "default"
	configs[1].MessageKeys = []string{"other"}

	_, err := New(configs)
	require.Error(t, err)
}

func TestCatalogSkipRules(t *testing.T) {
	c, err := New(testConfigs())
	require.NoError(t, err)

	group, err := c.ResolveGroup("weekly_digest")
	require.NoError(t, err)

	require.True(t, group.ChannelSkippedForKey(models.ChannelEmail, "weekly_digest"))
	require.False(t, group.ChannelSkippedForKey(models.ChannelEmail, "default"))
	require.False(t, group.ChannelSkippedForKey(models.ChannelPush, "weekly_digest"))
}

func TestCatalogCandidateChannels(t *testing.T) {
	c, err := New(testConfigs())
	require.NoError(t, err)

	group, ok := c.Group("account")
	require.True(t, ok)

	channels := group.CandidateChannels()
	require.Equal(t, []models.Channel{models.ChannelPush, models.ChannelEmail, models.ChannelSMS}, channels)
}

func TestCatalogDefaultPreferences(t *testing.T) {
	c, err := New(testConfigs())
	require.NoError(t, err)

	prefs := c.DefaultPreferences()
	require.Len(t, prefs, 2)
	require.Equal(t, "default", prefs[0].ID)
	require.Equal(t, "account", prefs[1].ID)
	require.Nil(t, prefs[0].SMS)
	require.NotNil(t, prefs[1].SMS)
	require.False(t, *prefs[1].SMS)
}

func TestHolderSwap(t *testing.T) {
	first, err := New(testConfigs())
	require.NoError(t, err)

	holder := NewHolder(first)
	require.Same(t, first, holder.Current())

	second, err := New(testConfigs()[:1])
	require.NoError(t, err)

	holder.Swap(second)
	require.Same(t, second, holder.Current())

	holder.Swap(nil)
	require.Same(t, second, holder.Current())
}
