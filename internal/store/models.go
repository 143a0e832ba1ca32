package store

import "time"

type TimeMode string

const (
	TimeModeAuto TimeMode = "AUTO"
	TimeModeAM   TimeMode = "AM"
	TimeModePM   TimeMode = "PM"
)

func NormalizeTimeMode(mode string) (TimeMode, bool) {
	switch TimeMode(mode) {
	case TimeModeAuto, TimeModeAM, TimeModePM:
		return TimeMode(mode), true
	default:
		return "", false
	}
}

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type Board struct {
	ID            string
	AccountID     *string
	Name          string
	TimeMode      TimeMode
	OverrideUntil *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Horse struct {
	ID         string
	BoardID    string
	Name       string
	Position   int
	Note       string
	NoteExpiry *time.Time
	CreatedAt  time.Time
}

type Feed struct {
	ID        string
	BoardID   string
	Name      string
	Rank      int
	CreatedAt time.Time
}

type DietEntry struct {
	BoardID  string
	HorseID  string
	FeedID   string
	AmAmount float64
	PmAmount float64
}

type ControllerToken struct {
	ID         string
	BoardID    string
	TokenHash  string
	Permission string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

type Invite struct {
	Code       string
	BoardID    string
	Permission string
	ExpiresAt  time.Time
	RedeemedAt *time.Time
	CreatedAt  time.Time
}

// FeedUsage is one row of the usage-count query: how many horses on the board
// have a nonzero AM or PM amount of this feed.
type FeedUsage struct {
	FeedID     string
	Name       string
	UsageCount int
}

type RankUpdate struct {
	FeedID string
	Rank   int
}
