package store

import (
	"time"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

// Metadata describes one stored backup.
type Metadata struct {
	Name         string    `json:"name"`
	ContentHash  string    `json:"content_hash"`
	Size         int       `json:"size"`
	CapturedAt   time.Time `json:"captured_at"`
	SlotCount    int       `json:"slot_count"`
	EnabledCount int       `json:"enabled_count"`
	Device       string    `json:"device,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// ExtractMetadata summarises a decoded backup.
func ExtractMetadata(name string, backup model.ConfigBackup) *Metadata {
	meta := &Metadata{
		Name:        name,
		ContentHash: ContentHash(backup.Raw),
		Size:        len(backup.Raw),
		CapturedAt:  backup.CapturedAt,
		SlotCount:   len(backup.Slots),
	}
	for _, slot := range backup.Slots {
		if slot.Enabled {
			meta.EnabledCount++
		}
	}
	return meta
}
