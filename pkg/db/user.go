package db

import "time"

// User is an account that owns durable conversations.
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	Email        string    `json:"email" gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string    `json:"-" gorm:"size:100;not null"`
	FirstName    string    `json:"first_name,omitempty" gorm:"size:100"`
	LastName     string    `json:"last_name,omitempty" gorm:"size:100"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// AuthSession is an opaque bearer token bound to a user.
type AuthSession struct {
	Token     string    `json:"token" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"index;size:36;not null"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (AuthSession) TableName() string {
	return "auth_sessions"
}
