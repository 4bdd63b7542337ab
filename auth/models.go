package auth

import "time"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// User is an operator account. It mirrors the users table and carries no
// JSON annotations so presentation layers choose their own shape.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateOperatorRequest contains the data needed to open an account.
type CreateOperatorRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Identity is what a verified token says about its bearer.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
