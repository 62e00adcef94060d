package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read devices, status and history.
	RoleViewer Role = "viewer"

	// RoleOperator can also write capabilities, refresh and change settings.
	RoleOperator Role = "operator"
)

// ValidRoles is the set of roles a credential may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Method is how a principal authenticated.
type Method string

// Authentication methods.
const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`
	Method  Method `json:"method"`
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid  = errors.New("auth: invalid token")
	ErrAPIKeyInvalid = errors.New("auth: invalid api key")
	ErrInvalidRole   = errors.New("auth: invalid role")
	ErrForbidden     = errors.New("auth: insufficient permissions")
)
