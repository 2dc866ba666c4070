// Package auth holds staff and customer accounts and the tokens they log in
// with.
package auth

import "time"

type Role string

const (
	RoleUser  Role = "USER" // storefront customer
	RoleAdmin Role = "ADMIN"
	RoleOwner Role = "OWNER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleOwner:
		return true
	}
	return false
}

func (r Role) Staff() bool { return r == RoleAdmin || r == RoleOwner }

type User struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	Name          string     `json:"name,omitempty"`
	PasswordHash  string     `json:"-"`
	Role          Role       `json:"role"`
	Active        bool       `json:"active"`
	EmailVerified bool       `json:"email_verified"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`

	VerificationCode      string     `json:"-"`
	VerificationExpiresAt *time.Time `json:"-"`
}

// UserUpdate carries the fields an owner may change; nil means unchanged.
type UserUpdate struct {
	PasswordHash *string
	Active       *bool
	Role         *Role
}

func (u UserUpdate) Empty() bool {
	return u.PasswordHash == nil && u.Active == nil && u.Role == nil
}
