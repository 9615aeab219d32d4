package models

import "time"

// User is an authenticated account.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`

	// PasswordHash is the encoded password hash. Never serialized.
	PasswordHash string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIKey is a programmatic credential. Only the SHA-256 hash of the plaintext
// is stored; the plaintext is returned exactly once at creation.
type APIKey struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	// Prefix is the first characters of the plaintext, kept for display.
	Prefix string `json:"prefix"`

	// Hash is the SHA-256 hex digest of the plaintext. Never serialized.
	Hash string `json:"-"`

	Scopes     []string  `json:"scopes,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && k.ExpiresAt.Before(now)
}

// MagicLink is a single-use login token. The token itself is a signed JWT;
// the row enforces single use and supports expiry sweeps.
type MagicLink struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	UsedAt    time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Used reports whether the link has already been consumed.
func (m *MagicLink) Used() bool {
	return !m.UsedAt.IsZero()
}
