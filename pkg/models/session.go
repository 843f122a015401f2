package models

import "time"

// SessionUser is the already-authenticated user a session token is issued for.
type SessionUser struct {
	ID           int64
	Email        string
	Name         string
	TenantName   string
	IsMaster     bool
	IsSupervisor bool
	Permissions  []string
	Roles        []string
}

// Session is the decoded, verified content of a session token.
// Tenant.Secret holds the decrypted database password.
type Session struct {
	SubjectID    int64
	Email        string
	Name         string
	TenantID     int64
	TenantName   string
	IsMaster     bool
	IsSupervisor bool
	Permissions  []string
	Roles        []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Tenant       *TenantConfig
}

// HasRole reports whether the session carries role r.
func (s *Session) HasRole(r string) bool {
	for _, have := range s.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Row is one result row keyed by column name.
type Row map[string]any
