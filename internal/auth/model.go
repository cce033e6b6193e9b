package auth

import "time"

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Mode string

const (
	ModeLogin  Mode = "login"
	ModeSignup Mode = "signup"
)

func (m Mode) Valid() bool {
	return m == ModeLogin || m == ModeSignup
}
