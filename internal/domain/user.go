// Package domain contains core domain types for the Nudgeable platform.
package domain

import (
	"time"
)

// User represents a registered practice user. Rows are created lazily on
// first successful login; the username is the stable external identifier.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}
