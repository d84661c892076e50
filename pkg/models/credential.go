package models

import "strings"

// User is the profile returned by a successful sign-in.
type User struct {
	ID       ID       `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Credential is the authenticated identity plus its bearer token.
// At most one is active per client profile.
type Credential struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
	User     User   `json:"user"`
}

// Valid reports whether the credential carries both an identity and a token.
func (c *Credential) Valid() bool {
	return c != nil && strings.TrimSpace(c.Identity) != "" && strings.TrimSpace(c.Token) != ""
}
