package domain

import "time"

// User is a follower on whose behalf copy trades are placed. Exchange API
// credentials are stored encrypted (AES-256-GCM envelopes produced by the
// key manager); onboarding and rotation happen outside this system.
type User struct {
	ID       int64
	Name     string
	IsActive bool

	// Risk limits applied by the executor's reserve phase.
	DailyLossLimitUSDT float64
	MaxOpenPositions   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// APICredential is one user's key set for a single exchange. Key and
// Secret (and Passphrase where the exchange uses one) arrive encrypted
// from the store and are decrypted only inside the adapter factory.
type APICredential struct {
	UserID     int64
	Exchange   Exchange
	Key        string
	Secret     string
	Passphrase string
	UpdatedAt  time.Time
}
