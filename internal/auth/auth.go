// Package auth issues and verifies the HS256 bearer tokens carrying the
// caller's identity and tenant, and owns password hashing.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"lattice-backend/internal/catalog"
	"lattice-backend/internal/clock"
	"lattice-backend/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

const accessTokenTTL = 8 * time.Hour

// Claims is the token payload: standard registered claims plus tenant and
// role information.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// Service authenticates users and mints tokens.
type Service struct {
	store  *store.Store
	clock  clock.Clock
	secret []byte
}

func NewService(s *store.Store, clk clock.Clock, secret string) *Service {
	return &Service{store: s, clock: clk, secret: []byte(secret)}
}

// Login verifies a username/password pair and returns a signed access token
// plus the authenticated user context.
func (s *Service) Login(ctx context.Context, username, password string) (string, *catalog.UserContext, error) {
	d := s.store.Dialect
	rows, err := store.QueryRows(ctx, s.store.DB,
		`SELECT id, tenant_id, username, password_hash, roles, active
		 FROM _users
		 WHERE username = `+d.Placeholder(1)+` AND deleted = `+d.Placeholder(2),
		username, false)
	if err != nil {
		return "", nil, fmt.Errorf("lookup user: %w", err)
	}
	if len(rows) == 0 || !store.RowBool(rows[0], "active") {
		return "", nil, ErrInvalidCredentials
	}
	row := rows[0]

	if err := bcrypt.CompareHashAndPassword(
		[]byte(store.RowString(row, "password_hash")), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	roles, err := d.ScanArray(row["roles"])
	if err != nil {
		roles = []string{}
	}
	user := &catalog.UserContext{
		UserID:   store.RowString(row, "id"),
		TenantID: store.RowString(row, "tenant_id"),
		Username: store.RowString(row, "username"),
		Roles:    roles,
	}

	token, err := s.GenerateToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// GenerateToken signs an access token for the user.
func (s *Service) GenerateToken(user *catalog.UserContext) (string, error) {
	now := s.clock.UtcNow()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
		TenantID: user.TenantID,
		Username: user.Username,
		Roles:    user.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseToken verifies a token string and rebuilds the user context.
func (s *Service) ParseToken(tokenStr string) (*catalog.UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.UtcNow))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &catalog.UserContext{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Username: claims.Username,
		Roles:    claims.Roles,
	}, nil
}

// HashPassword bcrypt-hashes a plaintext password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
