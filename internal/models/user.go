package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account owning feeders
type User struct {
	ID        uuid.UUID `json:"_id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	Email    string `json:"email" db:"email"`
	Username string `json:"username" db:"username"`

	PasswordHash string `json:"-" db:"password_hash"`

	IsActive    bool       `json:"isActive" db:"is_active"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`

	// Device ids in claim order
	Devices []uuid.UUID `json:"devices" db:"-"`
}
