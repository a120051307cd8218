package services

import (
	"sort"

	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/models"
)

// PresentPreferences derives the read-time preference view from the stored
// list. The result contains every catalog group once, in catalog order, with
// a channel key present exactly when the group offers that channel. Stored
// values win over catalog defaults; entries for groups or channels the
// catalog no longer knows are dropped.
func PresentPreferences(cat *catalog.Catalog, stored models.GroupPreferences) models.GroupPreferences {
	byID := make(map[string]models.GroupPreference, len(stored))
	for _, pref := range stored {
		byID[pref.ID] = pref
	}

	out := make(models.GroupPreferences, 0, len(cat.Groups()))
	for _, group := range cat.Groups() {
		entry := models.GroupPreference{ID: group.ID}
		storedPref, hasStored := byID[group.ID]
		for _, ch := range models.Channels {
			def := group.Defaults.Value(ch)
			if def == nil {
				continue
			}
			value := *def
			if hasStored {
				if sv := storedPref.Value(ch); sv != nil {
					value = *sv
				}
			}
			v := value
			entry.SetValue(ch, &v)
		}
		out = append(out, entry)
	}
	return out
}

// MergePreferences reconciles a client-submitted preference list with the
// stored one. Incoming entries are deduplicated by group id with the last
// occurrence winning and are honoured only for groups the catalog or the
// stored document already knows. Stored entries absent from the input are
// carried forward unchanged, so a client unaware of a group never erases it
// and selections for temporarily removed groups survive. Catalog groups
// absent from both gain their defaults. Output order is catalog order, with
// entries for groups the catalog no longer lists appended in the order they
// were first seen.
func MergePreferences(cat *catalog.Catalog, stored, incoming models.GroupPreferences) models.GroupPreferences {
	storedIDs := make(map[string]bool, len(stored))
	for _, pref := range stored {
		storedIDs[pref.ID] = true
	}

	type slot struct {
		seen int
		pref models.GroupPreference
	}
	merged := make(map[string]*slot, len(incoming)+len(stored))
	seq := 0

	put := func(pref models.GroupPreference) {
		// The typed decode already stripped unknown client-supplied keys;
		// copying through ChannelValues keeps only id + known channels.
		clean := models.GroupPreference{ID: pref.ID}
		for _, ch := range models.Channels {
			clean.SetValue(ch, pref.Value(ch))
		}
		if existing, ok := merged[pref.ID]; ok {
			existing.pref = clean
			return
		}
		merged[pref.ID] = &slot{seen: seq, pref: clean}
		seq++
	}

	for _, pref := range incoming {
		if _, ok := cat.Group(pref.ID); !ok && !storedIDs[pref.ID] {
			continue
		}
		put(pref)
	}
	for _, pref := range stored {
		if _, ok := merged[pref.ID]; ok {
			continue
		}
		put(pref)
	}
	for _, group := range cat.Groups() {
		if _, ok := merged[group.ID]; ok {
			continue
		}
		put(models.GroupPreference{ID: group.ID, ChannelValues: group.Defaults})
	}

	out := make(models.GroupPreferences, 0, len(merged))
	for _, group := range cat.Groups() {
		if s, ok := merged[group.ID]; ok {
			out = append(out, s.pref)
			delete(merged, group.ID)
		}
	}
	rest := make([]*slot, 0, len(merged))
	for _, s := range merged {
		rest = append(rest, s)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].seen < rest[j].seen })
	for _, s := range rest {
		out = append(out, s.pref)
	}
	return out
}
