package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/punitmishra/chai.im/internal/auth"
)

// The auth service consumes sessions through its own narrow interface;
// these adapters satisfy it on top of the sessions table.

// CreateAuthSession implements auth.SessionStore.
func (p *PostgresDB) CreateAuthSession(userID, deviceID uuid.UUID, tokenHash []byte, expiresAt time.Time) (*auth.SessionRecord, error) {
	s, err := p.CreateSession(userID, deviceID, tokenHash, expiresAt)
	if err != nil {
		return nil, err
	}
	return &auth.SessionRecord{ID: s.ID, UserID: s.UserID, DeviceID: s.DeviceID, ExpiresAt: s.ExpiresAt}, nil
}

// GetAuthSession implements auth.SessionStore.
func (p *PostgresDB) GetAuthSession(tokenHash []byte) (*auth.SessionRecord, error) {
	s, err := p.GetSessionByTokenHash(tokenHash)
	if err != nil {
		return nil, err
	}
	return &auth.SessionRecord{ID: s.ID, UserID: s.UserID, DeviceID: s.DeviceID, ExpiresAt: s.ExpiresAt}, nil
}

// TouchAuthSession implements auth.SessionStore.
func (p *PostgresDB) TouchAuthSession(sessionID uuid.UUID) error {
	return p.TouchSession(sessionID)
}
