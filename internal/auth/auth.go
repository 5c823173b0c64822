// Package auth validates the bearer tokens presented at connection time
// and resolves them to principals.
//
// Tokens are HMAC-signed and checked against a shared secret; the
// subject must resolve to an active user in the directory. Validation
// happens once per connection, there is no mid-session re-check.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parley-chat/parley/internal/kv"
)

// Validation failure modes. The wire collapses all of them into one
// authentication_required error; the distinction feeds logs and
// telemetry only.
var (
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenExpired   = errors.New("auth: token outside validity window")
	ErrBadSignature   = errors.New("auth: token signature invalid")
	ErrUserInactive   = errors.New("auth: user inactive or unknown")
)

// User is the directory record a token subject resolves to.
type User struct {
	ID     string
	Active bool
	Admin  bool
}

// UserRepository resolves token subjects. Implementations return
// (nil, nil) for unknown ids; errors are reserved for lookup failures.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*User, error)
}

// Principal is the authenticated identity attached to a connection for
// its whole lifetime.
type Principal struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin"`
	Active bool   `json:"active"`
}

// Claims is the accepted token payload. Only the registered subject and
// validity window are honored; extra claims are ignored.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator checks HS256 bearer tokens against a shared secret and
// resolves their subjects through a user repository.
type Validator struct {
	secret []byte
	users  UserRepository
}

func NewValidator(secret []byte, users UserRepository) *Validator {
	return &Validator{secret: secret, users: users}
}

// Validate parses and verifies token, then resolves its subject to an
// active user.
func (v *Validator) Validate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, classifyTokenError(err)
	}

	sub := claims.Subject
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}

	user, err := v.users.FindByID(ctx, sub)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: resolve user %s: %w", sub, err)
	}
	if user == nil || !user.Active {
		return Principal{}, fmt.Errorf("%w: %s", ErrUserInactive, sub)
	}
	return Principal{UserID: user.ID, Admin: user.Admin, Active: true}, nil
}

// classifyTokenError maps parser failures onto the package sentinels.
func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}

// Sign mints an HS256 token for subject expiring after ttl. It exists
// for tests and local tooling; production tokens come from the identity
// service.
func Sign(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// KVRepository reads the user directory from user:{id} hashes with
// active and admin flag fields.
type KVRepository struct {
	store kv.Store
}

func NewKVRepository(store kv.Store) *KVRepository {
	return &KVRepository{store: store}
}

// UserKey returns the directory hash key for id.
func UserKey(id string) string {
	return "user:" + id
}

func (r *KVRepository) FindByID(ctx context.Context, id string) (*User, error) {
	fields, err := r.store.HGetAll(ctx, UserKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: read user %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &User{
		ID:     id,
		Active: flag(fields["active"]),
		Admin:  flag(fields["admin"]),
	}, nil
}

func flag(raw []byte) bool {
	s := string(raw)
	return s == "1" || s == "true"
}
