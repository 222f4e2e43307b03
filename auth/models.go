package auth

import "time"

type Role string

const (
	RoleClient Role = "client"
	RolePro    Role = "pro"
	RoleAdmin  Role = "admin"
)

// ComplianceApproved is the identity-verification status a pro must carry
// before submitting proposals. The verification flow itself lives outside this
// core; only the resulting status is read here.
const ComplianceApproved = "approved"

// User is the domain representation of a platform account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID               string
	Email            string
	FullName         string
	PasswordHash     string
	Role             Role
	PayoutAccountID  *string
	PayoutReady      bool
	ComplianceStatus string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
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
