// Package auth issues and validates the bearer tokens that gate both the
// HTTP side endpoints and the WebSocket upgrade. Tokens are signed JWTs; the
// SHA-256 of the compact token is what lands in the sessions table, so a
// token is only as alive as its row.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

const tokenTTL = 7 * 24 * time.Hour

// ErrAuthenticationFailed covers every reason a token is rejected: bad
// signature, expiry, or a missing sessions row.
var ErrAuthenticationFailed = errors.New("authentication failed")

// SessionRecord is the persisted session the store hands back.
type SessionRecord struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	DeviceID  uuid.UUID
	ExpiresAt time.Time
}

// SessionStore is the slice of the relay store auth needs.
type SessionStore interface {
	CreateAuthSession(userID, deviceID uuid.UUID, tokenHash []byte, expiresAt time.Time) (*SessionRecord, error)
	GetAuthSession(tokenHash []byte) (*SessionRecord, error)
	TouchAuthSession(sessionID uuid.UUID) error
}

// Claims are the JWT claims carried by an access token.
type Claims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// Service signs tokens and resolves them back to sessions.
type Service struct {
	secret []byte
	store  SessionStore
}

// NewService validates the signing secret and wires the session store.
func NewService(store SessionStore, jwtSecret string) (*Service, error) {
	if len(jwtSecret) < 32 {
		return nil, errors.New("JWT secret must be at least 32 bytes")
	}
	return &Service{secret: []byte(jwtSecret), store: store}, nil
}

// IssueToken signs a token for a user/device pair and records its hash in
// the sessions table.
func (s *Service) IssueToken(userID, deviceID uuid.UUID) (string, time.Time, error) {
	expiresAt := time.Now().Add(tokenTTL)
	claims := &Claims{
		UserID:   userID.String(),
		DeviceID: deviceID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "chai-relay",
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	if _, err := s.store.CreateAuthSession(userID, deviceID, HashToken(token), expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Authenticate validates a bearer token end to end: signature, claims,
// and the live sessions row its hash points at.
func (s *Service) Authenticate(token string) (*SessionRecord, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrAuthenticationFailed
	}

	session, err := s.store.GetAuthSession(HashToken(token))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if session.UserID.String() != claims.UserID {
		return nil, ErrAuthenticationFailed
	}

	// Best effort; a failed touch does not fail the request.
	_ = s.store.TouchAuthSession(session.ID)
	return session, nil
}

// HashToken maps a token to the value stored in sessions.token_hash.
func HashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Argon2id parameters, OWASP interactive-login tier.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword produces a $argon2id$... encoded hash with a random salt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword compares a password to an encoded hash in constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("invalid password hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errors.New("unsupported argon2 version")
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, errors.New("invalid password hash parameters")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
