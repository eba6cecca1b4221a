package domain

import "time"

// CompanySession holds one outer session's copy of a QuickBooks company's
// credentials. Several sessions may point at the same realm; the refresh
// fan-out keeps their token copies consistent.
type CompanySession struct {
	ID             int64
	SessionID      string
	RealmID        string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

// BrokerToken is the bearer credential issued to the MCP client. Its lifetime
// is independent of the underlying company session's Intuit tokens.
type BrokerToken struct {
	ID           int64
	Token        string
	SessionID    string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the broker token is past its expiry at the given
// instant. A token is accepted up to and including the expiry instant.
func (t BrokerToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
