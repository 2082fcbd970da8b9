package models

import (
	"time"
)

// MediaItem is a video asset known to the catalog.
type MediaItem struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	Title        string `gorm:"index"`
	Genre        string `gorm:"index"`
	Duration     time.Duration
	Path         string
	StorageKey   string // optional s3://bucket/key for remote assets
	Checksum     string `gorm:"type:varchar(64)"`
	Rating       float64
	Available    bool `gorm:"index"`
	LastPlayedAt *time.Time
	PlayCount    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InCooldown reports whether the item played too recently to be rescheduled.
func (m MediaItem) InCooldown(now time.Time, minGap time.Duration) bool {
	if m.LastPlayedAt == nil || minGap <= 0 {
		return false
	}
	return now.Sub(*m.LastPlayedAt) < minGap
}

// EntryStatus tracks a queue entry through its lifecycle.
type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryActive  EntryStatus = "active"
	EntryPlayed  EntryStatus = "played"
	EntrySkipped EntryStatus = "skipped"
	EntryFailed  EntryStatus = "failed"
)

// EntryOrigin records who created a queue entry.
type EntryOrigin string

const (
	OriginScheduler EntryOrigin = "scheduler"
	OriginEvent     EntryOrigin = "event"
	OriginManual    EntryOrigin = "manual"
)

// QueueEntry is one scheduled occurrence of a media item. Title, Genre and
// Duration are denormalized from the media item so ordering and diversity
// decisions need no join.
type QueueEntry struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	MediaID     string `gorm:"type:uuid;index"`
	Title       string
	Genre       string `gorm:"index"`
	Duration    time.Duration
	Priority    int `gorm:"index"`
	ScheduledAt *time.Time
	Sequence    uint64      `gorm:"index"`
	Status      EntryStatus `gorm:"type:varchar(16);index"`
	Origin      EntryOrigin `gorm:"type:varchar(16)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the entry can no longer become Active.
func (e QueueEntry) Terminal() bool {
	switch e.Status {
	case EntryPlayed, EntrySkipped, EntryFailed:
		return true
	}
	return false
}

// SessionState enumerates broadcast session lifecycle states.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionStarting     SessionState = "starting"
	SessionStreaming    SessionState = "streaming"
	SessionReconnecting SessionState = "reconnecting"
	SessionStopping     SessionState = "stopping"
	SessionFailed       SessionState = "failed"
)

// StreamSession is the single live broadcast owned by the session controller.
type StreamSession struct {
	ID                string `gorm:"type:uuid;primaryKey"`
	State             SessionState `gorm:"type:varchar(16)"`
	StartedAt         time.Time
	EndedAt           *time.Time
	ActiveEntryID     string `gorm:"type:uuid"`
	BitrateKbps       int
	DroppedFrames     float64
	ReconnectAttempt  int
	LastHealthCheckAt *time.Time
	LastError         string `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PlayHistory stores realized playback outcomes; the scheduler reads the tail
// to enforce genre diversity against what actually aired.
type PlayHistory struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	MediaID   string `gorm:"type:uuid;index"`
	EntryID   string `gorm:"type:uuid"`
	Title     string
	Genre     string `gorm:"index"`
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   EntryStatus `gorm:"type:varchar(16)"`
}
