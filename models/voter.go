package models

import "time"

const (
	RoleAdmin = "admin"
	RoleVoter = "voter"
)

// Identity is the locally owned record of a registered user. HasVoted is
// the authority for "already voted"; it is only set after the ledger
// accepted the vote and only cleared by a full reset.
type Identity struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Identifier    string    `gorm:"size:128;uniqueIndex;not null" json:"identifier"`
	Role          string    `gorm:"size:32;not null;default:voter" json:"role"`
	WalletAddress string    `gorm:"size:64" json:"wallet_address,omitempty"`
	HasVoted      bool      `gorm:"not null;default:false;index" json:"has_voted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// Caller is the verified (identifier, role) pair supplied by the
// authentication layer for every request.
type Caller struct {
	ID   string
	Role string
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleVoter
}
