package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnlimitedConcurrency is the ceiling sentinel meaning a token accepts any
// number of simultaneous jobs for a media type.
const UnlimitedConcurrency = 0

// Token is one upstream account: the unit of concurrency accounting and
// health tracking in the pool.
type Token struct {
	ID   int64
	Name string

	// Upstream credentials. The access token is short-lived and refreshed
	// out of band from the session cookie.
	AccessToken   string
	TokenExpiry   time.Time
	SessionCookie string

	IsActive          bool
	ConsecutiveErrors int

	// Per-media concurrency ceilings. UnlimitedConcurrency disables the cap.
	ImageConcurrency int
	VideoConcurrency int

	Credits decimal.Decimal

	ImageCount int64
	VideoCount int64
	ErrorCount int64

	// Same-day counters, reset when LastCountedDay rolls over at increment
	// time rather than by a scheduled job.
	DailyImageCount int64
	DailyVideoCount int64
	DailyErrorCount int64
	LastCountedDay  time.Time

	LastUsedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Banned reports whether the token's consecutive failure count has reached
// the given threshold. Banned tokens are excluded from selection until an
// administrative reset.
func (t *Token) Banned(threshold int) bool {
	return threshold > 0 && t.ConsecutiveErrors >= threshold
}

// Ceiling returns the configured concurrency ceiling for the media type.
func (t *Token) Ceiling(media MediaType) int {
	if media == MediaVideo {
		return t.VideoConcurrency
	}
	return t.ImageConcurrency
}

// Masked returns the access token shortened for log output.
func (t *Token) Masked() string {
	if len(t.AccessToken) <= 12 {
		return "***"
	}
	return t.AccessToken[:6] + "..." + t.AccessToken[len(t.AccessToken)-4:]
}
