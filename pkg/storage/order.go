package storage

import (
	"sort"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// SortByTimestamp orders views oldest Timestamp first, ties by core id
func SortByTimestamp(views []model.View) {
	sortBy(views, model.View.Timestamp)
}

// SortByStateSince orders views by the time their current state was
// entered, longest waiting first, ties by core id
func SortByStateSince(views []model.View) {
	sortBy(views, model.View.StateSince)
}

func sortBy(views []model.View, key func(model.View) time.Time) {
	sort.SliceStable(views, func(i, j int) bool {
		ti, tj := key(views[i]), key(views[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return views[i].CoreID() < views[j].CoreID()
	})
}

// ContainsState reports whether s is in states
func ContainsState(states []model.ProcessingState, s model.ProcessingState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

// Related reports whether the units stored as a and b are linked through
// their protocol references: one refers to the other's messageId either
// as refToMessageId or as refToMessageInError of a carried error.
func Related(a, b *Document) bool {
	return refersTo(a, b.MessageID) || refersTo(b, a.MessageID)
}

func refersTo(d *Document, messageID string) bool {
	if messageID == "" {
		return false
	}
	if d.RefToMessageID == messageID {
		return true
	}
	for _, ref := range d.ErrorRefs {
		if ref == messageID {
			return true
		}
	}
	return false
}
