package models

import "fmt"

// AuthErrorKind enumerates session token failures.
type AuthErrorKind string

const (
	AuthInvalidToken         AuthErrorKind = "invalid_token"
	AuthExpired              AuthErrorKind = "expired"
	AuthMalformedCredentials AuthErrorKind = "malformed_credentials"
)

// AuthError is returned by session verification. It is never retried.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
	}
	return "auth: " + string(e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError of the same kind, so errors.Is(err, ErrExpired) works.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// TenantConfigErrorKind enumerates control-plane configuration failures.
type TenantConfigErrorKind string

const (
	TenantNotFound   TenantConfigErrorKind = "not_found"
	TenantInactive   TenantConfigErrorKind = "inactive"
	TenantIncomplete TenantConfigErrorKind = "incomplete"
)

// TenantConfigError reports a tenant that cannot be connected by configuration.
type TenantConfigError struct {
	TenantID int64
	Kind     TenantConfigErrorKind
}

func (e *TenantConfigError) Error() string {
	return fmt.Sprintf("tenant %d: config %s", e.TenantID, e.Kind)
}

func (e *TenantConfigError) Is(target error) bool {
	t, ok := target.(*TenantConfigError)
	return ok && t.Kind == e.Kind
}

// ConnectionErrorKind enumerates tenant connection failures.
type ConnectionErrorKind string

const (
	ConnConnectTimeout ConnectionErrorKind = "connect_timeout"
	ConnQueryTimeout   ConnectionErrorKind = "query_timeout"
	ConnCorrupted      ConnectionErrorKind = "corrupted"
	ConnUnreachable    ConnectionErrorKind = "unreachable"
)

// ConnectionError reports a failure talking to a tenant database.
type ConnectionError struct {
	TenantID int64
	Kind     ConnectionErrorKind
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tenant %d: connection %s: %v", e.TenantID, e.Kind, e.Err)
	}
	return fmt.Sprintf("tenant %d: connection %s", e.TenantID, e.Kind)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidToken         = &AuthError{Kind: AuthInvalidToken}
	ErrExpired              = &AuthError{Kind: AuthExpired}
	ErrMalformedCredentials = &AuthError{Kind: AuthMalformedCredentials}

	ErrTenantNotFound   = &TenantConfigError{Kind: TenantNotFound}
	ErrTenantInactive   = &TenantConfigError{Kind: TenantInactive}
	ErrTenantIncomplete = &TenantConfigError{Kind: TenantIncomplete}

	ErrConnectTimeout = &ConnectionError{Kind: ConnConnectTimeout}
	ErrQueryTimeout   = &ConnectionError{Kind: ConnQueryTimeout}
	ErrCorrupted      = &ConnectionError{Kind: ConnCorrupted}
	ErrUnreachable    = &ConnectionError{Kind: ConnUnreachable}
)
