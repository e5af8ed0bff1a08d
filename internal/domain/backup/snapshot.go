// Package backup models offline snapshots of the store's data directories.
package backup

import (
	"sort"
	"time"

	"github.com/jewelpos/backend/internal/domain/shared"
)

// NameLayout is the time layout of snapshot folder names
const NameLayout = "20060102-150405"

// MetadataFile is written inside every snapshot folder
const MetadataFile = "backup.json"

var (
	ErrBackupInProgress = shared.NewDomainError("CONFLICT", "A backup is already running")
	ErrInvalidName      = shared.NewDomainError("INVALID_INPUT", "Invalid backup name")
)

// Snapshot describes one completed backup
type Snapshot struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
	Bytes     int64     `json:"bytes"`
	Sources   []string  `json:"sources"`
	Database  bool      `json:"database"`
	Uploaded  bool      `json:"uploaded"`
	Duration  string    `json:"duration,omitempty"`
}

// NameFor returns the folder name of a snapshot taken at t (UTC)
func NameFor(t time.Time) string {
	return t.UTC().Format(NameLayout)
}

// ParseName extracts the creation time from a snapshot folder name
func ParseName(name string) (time.Time, error) {
	t, err := time.ParseInLocation(NameLayout, name, time.UTC)
	if err != nil {
		return time.Time{}, ErrInvalidName
	}
	return t, nil
}

// SortNewestFirst orders snapshots by creation time, newest first
func SortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
}

// RetentionPolicy decides which snapshots to delete.
// Zero values disable the corresponding limit.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// Expired returns the snapshots that fall outside the policy.
// The newest snapshot is always kept.
func (p RetentionPolicy) Expired(snaps []Snapshot, now time.Time) []Snapshot {
	if len(snaps) <= 1 {
		return nil
	}
	sorted := make([]Snapshot, len(snaps))
	copy(sorted, snaps)
	SortNewestFirst(sorted)

	var expired []Snapshot
	for i, s := range sorted {
		if i == 0 {
			continue
		}
		if p.MaxCount > 0 && i >= p.MaxCount {
			expired = append(expired, s)
			continue
		}
		if p.MaxAge > 0 && now.Sub(s.CreatedAt) > p.MaxAge {
			expired = append(expired, s)
		}
	}
	return expired
}
