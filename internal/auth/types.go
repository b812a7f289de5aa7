package auth

import "time"

// User is one dashboard account. Device ownership elsewhere in the
// system is a string match against Username.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
