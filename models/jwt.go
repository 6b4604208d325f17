package models

// AccessClaims are the claims carried by bearer tokens on mutating routes.
type AccessClaims struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Scopes    []string `json:"scopes,omitempty"` // e.g. "convert", "delete"; empty grants all
}

// Allows reports whether the claims grant scope.
func (c *AccessClaims) Allows(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}
