package domain

import "time"

// SizingStrategy selects how a follower's copy size is derived.
type SizingStrategy string

const (
	SizingFixed   SizingStrategy = "FIXED"
	SizingPercent SizingStrategy = "PERCENT"
	SizingKelly   SizingStrategy = "KELLY"
)

// WhaleFollow is the (user, whale) subscription. Each pair appears at
// most once; the store enforces the uniqueness.
type WhaleFollow struct {
	ID      int64
	UserID  int64
	WhaleID int64

	AutoCopy          bool
	SizingStrategy    SizingStrategy
	CopyTradeSizeUSDT float64 // FIXED
	TradeSizePercent  float64 // PERCENT, fraction of available balance in [0,1]
	MaxLeverage       float64
	Exchange          Exchange // exchange the copies are placed on

	CreatedAt time.Time
	UpdatedAt time.Time
}
