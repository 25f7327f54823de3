package domain

// AuthCredential is the token pair issued by a tenant backend. AccessToken may
// be empty at rest; RefreshToken is mandatory.
type AuthCredential struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken"`
}

// Session pairs a tenant with its current credential.
type Session struct {
	Tenant Tenant         `json:"tenant"`
	Auth   AuthCredential `json:"auth"`
}

// TenantID is shorthand for s.Tenant.ID.
func (s Session) TenantID() int64 {
	return s.Tenant.ID
}

// WithAuth returns a copy of s carrying cred.
func (s Session) WithAuth(cred AuthCredential) Session {
	s.Auth = cred
	return s
}
