package user

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt,omitzero"`
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Session is a freshly issued credential pair.
type Session struct {
	User         User
	AccessToken  string
	RefreshToken string
}

type AuthResponse struct {
	OK          bool   `json:"ok"`
	User        User   `json:"user"`
	AccessToken string `json:"accessToken,omitempty"`
}
