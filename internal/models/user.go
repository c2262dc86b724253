package models

import "github.com/google/uuid"

// User is the read model the delivery channels resolve contacts from.
type User struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email,omitempty"`
	Phone string    `json:"phone,omitempty"`
}

func (u *User) HasEmail() bool { return u.Email != "" }

func (u *User) HasPhone() bool { return u.Phone != "" }
