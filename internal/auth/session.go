package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/org/basegate/internal/audit"
	"github.com/org/basegate/pkg/models"
)

// Role names derived from user flags when none are given.
const (
	RoleMaster     = "MASTER"
	RoleAdmin      = "ADMIN"
	RoleSupervisor = "SUPERVISOR"
	RoleUser       = "USER"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 8 * time.Hour

// CredentialCodec protects the tenant secret carried inside a token.
type CredentialCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(secret string) (string, error)
}

type firebirdClaims struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Role     string `json:"role,omitempty"`
	Password string `json:"password"`
}

type sessionClaims struct {
	Email        string          `json:"email"`
	Name         string          `json:"nome"`
	TenantID     int64           `json:"baseId"`
	TenantName   string          `json:"baseName"`
	IsMaster     bool            `json:"isMaster"`
	IsSupervisor bool            `json:"isSupervisor"`
	Permissions  []string        `json:"permissions"`
	Roles        []string        `json:"roles"`
	Firebird     *firebirdClaims `json:"firebird,omitempty"`
	jwt.RegisteredClaims
}

// Options configure a SessionService.
type Options struct {
	TTL    time.Duration
	Issuer string
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// SessionService issues and verifies signed session tokens that carry a
// tenant's connection settings with the password encrypted.
type SessionService struct {
	signingKey []byte
	codec      CredentialCodec
	auditor    *audit.Logger
	ttl        time.Duration
	issuer     string
	now        func() time.Time
}

// NewSessionService creates a SessionService. signingKey must not be empty.
func NewSessionService(signingKey string, codec CredentialCodec, auditor *audit.Logger, opts Options) (*SessionService, error) {
	if signingKey == "" {
		return nil, errors.New("session signing key is required")
	}
	if codec == nil {
		return nil, errors.New("credential codec is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SessionService{
		signingKey: []byte(signingKey),
		codec:      codec,
		auditor:    auditor,
		ttl:        opts.TTL,
		issuer:     opts.Issuer,
		now:        opts.Now,
	}, nil
}

// TTL returns the configured session lifetime.
func (s *SessionService) TTL() time.Duration { return s.ttl }

// Issue signs a token for user bound to tenant cfg. The plaintext secret is
// encrypted before it enters the payload.
func (s *SessionService) Issue(user models.SessionUser, cfg *models.TenantConfig) (string, time.Time, error) {
	if cfg == nil {
		return "", time.Time{}, errors.New("tenant config is required")
	}
	if user.ID == 0 || cfg.TenantID == 0 {
		return "", time.Time{}, errors.New("subject and tenant id are required")
	}

	password, err := s.codec.Encrypt(cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encrypting tenant secret: %w", err)
	}

	roles := user.Roles
	if len(roles) == 0 {
		roles = DefaultRoles(user.IsMaster, user.IsSupervisor)
	}

	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.ttl)
	claims := sessionClaims{
		Email:        user.Email,
		Name:         user.Name,
		TenantID:     cfg.TenantID,
		TenantName:   user.TenantName,
		IsMaster:     user.IsMaster,
		IsSupervisor: user.IsSupervisor,
		Permissions:  user.Permissions,
		Roles:        roles,
		Firebird: &firebirdClaims{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.DatabasePath,
			User:     cfg.User,
			Role:     cfg.Role,
			Password: password,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature and expiry and decrypts the embedded secret.
// All failures are *models.AuthError.
func (s *SessionService) Verify(ctx context.Context, token string) (*models.Session, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &models.AuthError{Kind: models.AuthExpired, Err: err}
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			s.securityEvent(ctx, audit.Event{Kind: audit.EventTokenRejected, Reason: "signature invalid"})
		}
		return nil, &models.AuthError{Kind: models.AuthInvalidToken, Err: err}
	}

	subject, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || subject == 0 || claims.TenantID == 0 {
		return nil, &models.AuthError{Kind: models.AuthInvalidToken, Err: errors.New("token payload missing subject or tenant id")}
	}
	if claims.Firebird == nil {
		return nil, &models.AuthError{Kind: models.AuthInvalidToken, Err: errors.New("token payload missing tenant connection")}
	}

	secret, err := s.codec.Decrypt(claims.Firebird.Password)
	if err != nil {
		s.securityEvent(ctx, audit.Event{
			Kind:      audit.EventCredentialDecryptFailed,
			SubjectID: subject,
			TenantID:  claims.TenantID,
			Reason:    "embedded tenant secret could not be decrypted",
		})
		return nil, &models.AuthError{Kind: models.AuthMalformedCredentials, Err: err}
	}

	port := claims.Firebird.Port
	if port <= 0 {
		port = models.DefaultFirebirdPort
	}
	sess := &models.Session{
		SubjectID:    subject,
		Email:        claims.Email,
		Name:         claims.Name,
		TenantID:     claims.TenantID,
		TenantName:   claims.TenantName,
		IsMaster:     claims.IsMaster,
		IsSupervisor: claims.IsSupervisor,
		Permissions:  claims.Permissions,
		Roles:        claims.Roles,
		Tenant: &models.TenantConfig{
			TenantID:     claims.TenantID,
			Host:         claims.Firebird.Host,
			Port:         port,
			DatabasePath: claims.Firebird.Database,
			User:         claims.Firebird.User,
			Secret:       secret,
			Role:         claims.Firebird.Role,
			Active:       true,
		},
	}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return sess, nil
}

func (s *SessionService) securityEvent(ctx context.Context, ev audit.Event) {
	if s.auditor != nil {
		s.auditor.SecurityEvent(ctx, ev)
	}
}

// DefaultRoles maps user flags to role names.
func DefaultRoles(isMaster, isSupervisor bool) []string {
	switch {
	case isMaster:
		return []string{RoleMaster, RoleAdmin}
	case isSupervisor:
		return []string{RoleSupervisor}
	default:
		return []string{RoleUser}
	}
}

// Fingerprint returns a stable, non-reversible identifier for a bearer
// token, suitable for logs.
func Fingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:8])
}
