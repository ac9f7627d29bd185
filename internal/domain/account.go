package domain

import "time"

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Account is the durable identity record behind every login path.
type Account struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Handle       string     `json:"handle"`
	ProviderID   string     `json:"-"`
	PasswordHash string     `json:"-"`
	Verified     bool       `json:"verified"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	Role         Role       `json:"role"`
	Online       bool       `json:"online"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}
