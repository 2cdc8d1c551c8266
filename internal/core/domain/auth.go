package domain

import "time"

type APIKey struct {
	TokenHash string
	OwnerID   string
	Name      string
	Active    bool
	CreatedAt time.Time

	// LastUsedAt is zero for keys that never authenticated a request.
	LastUsedAt time.Time
}
