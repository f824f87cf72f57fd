// Package store persists a client's cryptographic state in a local SQLite
// database: the identity seed, the signed prekey, the one-time prekey pool
// and exported peer sessions. Everything here is device-local; nothing in
// this file touches the relay.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/punitmishra/chai.im/internal/crypto"
)

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	seed BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS signed_prekey (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	prekey_id INTEGER NOT NULL,
	secret    BLOB NOT NULL,
	signature BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS one_time_prekeys (
	prekey_id INTEGER PRIMARY KEY,
	secret    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_sessions (
	peer_id    TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore is a single-client key and session store.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteStore{db: conn}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRegistry persists the registry's identity, signed prekey and one-time
// pool in one transaction. Session blobs are saved separately as they
// change far more often.
func (s *SQLiteStore) SaveRegistry(registry *crypto.Registry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seed := registry.IdentityBytes()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO identity (id, seed) VALUES (1, ?)`, seed[:]); err != nil {
		return err
	}

	spk := registry.SignedPreKey()
	secret := spk.KeyPair.SecretBytes()
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO signed_prekey (id, prekey_id, secret, signature) VALUES (1, ?, ?, ?)`,
		spk.ID, secret[:], spk.Signature,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM one_time_prekeys`); err != nil {
		return err
	}
	for _, pk := range registry.OneTimePreKeys() {
		otSecret := pk.KeyPair.SecretBytes()
		if _, err := tx.Exec(
			`INSERT INTO one_time_prekeys (prekey_id, secret) VALUES (?, ?)`,
			pk.ID, otSecret[:],
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadRegistry rebuilds a registry from disk; ok is false when no identity
// was ever saved. Stored peer sessions are installed as well.
func (s *SQLiteStore) LoadRegistry() (*crypto.Registry, bool, error) {
	var seedBytes []byte
	err := s.db.QueryRow(`SELECT seed FROM identity WHERE id = 1`).Scan(&seedBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(seedBytes) != 32 {
		return nil, false, fmt.Errorf("store: identity seed is %d bytes", len(seedBytes))
	}
	var seed [32]byte
	copy(seed[:], seedBytes)
	identity := crypto.IdentityKeyPairFromBytes(seed)

	var prekeyID uint32
	var secretBytes, signature []byte
	err = s.db.QueryRow(`SELECT prekey_id, secret, signature FROM signed_prekey WHERE id = 1`).
		Scan(&prekeyID, &secretBytes, &signature)
	if err != nil {
		return nil, false, err
	}
	var secret [32]byte
	copy(secret[:], secretBytes)
	pair, err := crypto.DHKeyPairFromSecret(secret)
	if err != nil {
		return nil, false, err
	}
	signedPreKey := &crypto.SignedPreKey{ID: prekeyID, KeyPair: pair, Signature: signature}

	rows, err := s.db.Query(`SELECT prekey_id, secret FROM one_time_prekeys ORDER BY prekey_id`)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var oneTime []*crypto.OneTimePreKey
	for rows.Next() {
		var id uint32
		var otSecretBytes []byte
		if err := rows.Scan(&id, &otSecretBytes); err != nil {
			return nil, false, err
		}
		var otSecret [32]byte
		copy(otSecret[:], otSecretBytes)
		otPair, err := crypto.DHKeyPairFromSecret(otSecret)
		if err != nil {
			return nil, false, err
		}
		oneTime = append(oneTime, &crypto.OneTimePreKey{ID: id, KeyPair: otPair})
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	registry := crypto.RestoreRegistry(identity, signedPreKey, oneTime)

	sessions, err := s.loadSessions()
	if err != nil {
		return nil, false, err
	}
	for _, session := range sessions {
		registry.PutSession(session)
	}
	return registry, true, nil
}

// SaveSession persists one exported peer session.
func (s *SQLiteStore) SaveSession(session *crypto.Session) error {
	blob, err := session.Export()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO peer_sessions (peer_id, state, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		session.PeerID, blob,
	)
	return err
}

// DeleteSession removes a stored session.
func (s *SQLiteStore) DeleteSession(peerID string) error {
	_, err := s.db.Exec(`DELETE FROM peer_sessions WHERE peer_id = ?`, peerID)
	return err
}

func (s *SQLiteStore) loadSessions() ([]*crypto.Session, error) {
	rows, err := s.db.Query(`SELECT state FROM peer_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*crypto.Session
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		session, err := crypto.ImportSession(blob)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
