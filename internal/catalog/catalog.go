package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/charlesng35/inboxd/internal/models"
)

var (
	// ErrNoGroups indicates a catalog configuration with no entries.
	ErrNoGroups = errors.New("catalog: at least one group is required")
	// ErrGroupNotFound indicates an unknown group id or message key.
	ErrGroupNotFound = errors.New("catalog: group not found")
)

// GroupConfig is the configuration form of one catalog entry, decoded from
// the inbox.groups section of the config file.
type GroupConfig struct {
	ID                 string               `mapstructure:"id"`
	Label              string               `mapstructure:"label"`
	Description        string               `mapstructure:"description"`
	MessageKeys        []string             `mapstructure:"message_keys"`
	PreferenceDefaults models.ChannelValues `mapstructure:"preference_defaults"`
	SkipPush           []string             `mapstructure:"skip_push"`
	SkipEmail          []string             `mapstructure:"skip_email"`
	SkipSMS            []string             `mapstructure:"skip_sms"`
	SkipWebPush        []string             `mapstructure:"skip_web_push"`
}

// Group is one immutable catalog entry.
type Group struct {
	ID          string
	Label       string
	Description string

	// Defaults maps each channel to its default preference value. A nil
	// value means the channel is inapplicable to the group and is never
	// offered as a preference.
	Defaults models.ChannelValues

	messageKeys map[string]struct{}
	skipKeys    map[models.Channel]map[string]struct{}
}

// HasKey reports whether the message key belongs to this group.
func (g *Group) HasKey(key string) bool {
	_, ok := g.messageKeys[key]
	return ok
}

// ChannelSkippedForKey reports whether the message key must never fan out on
// the channel even though the group enables it.
func (g *Group) ChannelSkippedForKey(ch models.Channel, key string) bool {
	keys, ok := g.skipKeys[ch]
	if !ok {
		return false
	}
	_, skipped := keys[key]
	return skipped
}

// CandidateChannels returns the channels with a non-nil default, in
// canonical channel order.
func (g *Group) CandidateChannels() []models.Channel {
	out := make([]models.Channel, 0, len(models.Channels))
	for _, ch := range models.Channels {
		if g.Defaults.Value(ch) != nil {
			out = append(out, ch)
		}
	}
	return out
}

// Catalog is an immutable snapshot of the group configuration. Reloads
// replace the whole snapshot through a Holder; a Catalog itself never mutates.
type Catalog struct {
	groups  []*Group
	byID    map[string]*Group
	byKey   map[string]*Group
	anyPush bool
}

// New validates the configured groups and builds a catalog snapshot.
// Configuration order is preserved and used as the canonical sort key.
func New(configs []GroupConfig) (*Catalog, error) {
	if len(configs) == 0 {
		return nil, ErrNoGroups
	}

	c := &Catalog{
		byID:  make(map[string]*Group, len(configs)),
		byKey: make(map[string]*Group),
	}

	for _, cfg := range configs {
		id := strings.TrimSpace(cfg.ID)
		if id == "" {
			return nil, errors.New("catalog: group id is required")
		}
		if _, exists := c.byID[id]; exists {
			return nil, fmt.Errorf("catalog: duplicate group id %q", id)
		}

		group := &Group{
			ID:          id,
			Label:       cfg.Label,
			Description: cfg.Description,
			Defaults:    cfg.PreferenceDefaults,
			messageKeys: make(map[string]struct{}, len(cfg.MessageKeys)),
			skipKeys: map[models.Channel]map[string]struct{}{
				models.ChannelPush:    toSet(cfg.SkipPush),
				models.ChannelEmail:   toSet(cfg.SkipEmail),
				models.ChannelSMS:     toSet(cfg.SkipSMS),
				models.ChannelWebPush: toSet(cfg.SkipWebPush),
			},
		}

		for _, key := range cfg.MessageKeys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if owner, exists := c.byKey[key]; exists {
				return nil, fmt.Errorf("catalog: message key %q belongs to both %q and %q", key, owner.ID, id)
			}
			group.messageKeys[key] = struct{}{}
			c.byKey[key] = group
		}

		if group.Defaults.Push != nil {
			c.anyPush = true
		}

		c.groups = append(c.groups, group)
		c.byID[id] = group
	}

	return c, nil
}

// Groups returns every catalog entry in configuration order.
func (c *Catalog) Groups() []*Group {
	return c.groups
}

// Group returns the entry with the given id.
func (c *Catalog) Group(id string) (*Group, bool) {
	g, ok := c.byID[id]
	return g, ok
}

// ResolveGroup returns the single group the message key belongs to.
func (c *Catalog) ResolveGroup(messageKey string) (*Group, error) {
	g, ok := c.byKey[messageKey]
	if !ok {
		return nil, fmt.Errorf("%w: message key %q", ErrGroupNotFound, messageKey)
	}
	return g, nil
}

// PushOffered reports whether any group offers the push channel. The silent
// unread-count push is suppressed when no group does.
func (c *Catalog) PushOffered() bool {
	return c.anyPush
}

// DefaultPreferences builds the presented preference list containing only
// catalog defaults, in catalog order.
func (c *Catalog) DefaultPreferences() models.GroupPreferences {
	prefs := make(models.GroupPreferences, 0, len(c.groups))
	for _, g := range c.groups {
		prefs = append(prefs, models.GroupPreference{
			ID:            g.ID,
			ChannelValues: g.Defaults,
		})
	}
	return prefs
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// Holder publishes the current catalog snapshot. Reload stores a fresh
// snapshot atomically; readers never observe a partial update.
type Holder struct {
	current atomic.Pointer[Catalog]
}

// NewHolder wraps an initial snapshot.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.current.Store(c)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() *Catalog {
	return h.current.Load()
}

// Swap replaces the active snapshot.
func (h *Holder) Swap(c *Catalog) {
	if c != nil {
		h.current.Store(c)
	}
}
