// Package db implements the relay's durable state on PostgreSQL: users,
// prekey bundles, one-time prekeys, store-and-forward messages and auth
// sessions. The relay engine consumes it through the relay.Store interface;
// nothing here ever sees plaintext.
package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// PostgresDB wraps the connection pool.
type PostgresDB struct {
	db *sql.DB
}

// User is a registered principal.
type User struct {
	ID           uuid.UUID
	Username     string
	IdentityKey  []byte
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one store-and-forward row. DeliveredAt is nil until the
// recipient acknowledges.
type Message struct {
	ID          uuid.UUID
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Ciphertext  []byte
	MessageType int16
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// PrekeyBundleRow is the latest published signed prekey for a user.
type PrekeyBundleRow struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	SignedPrekey          []byte
	SignedPrekeySignature []byte
	PrekeyID              int32
	CreatedAt             time.Time
}

// OneTimePrekeyRow is one pooled one-time prekey.
type OneTimePrekeyRow struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Prekey    []byte
	PrekeyID  int32
	Used      bool
	CreatedAt time.Time
}

// Session is one authenticated device session; the token itself is never
// stored, only its SHA-256.
type Session struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	DeviceID    uuid.UUID
	TokenHash   []byte
	ConnectedAt time.Time
	LastSeen    time.Time
	ExpiresAt   time.Time
}

// schema is applied idempotently at startup.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	username      TEXT NOT NULL UNIQUE,
	identity_key  BYTEA NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS prekey_bundles (
	id                       UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id                  UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	signed_prekey            BYTEA NOT NULL,
	signed_prekey_signature  BYTEA NOT NULL,
	prekey_id                INTEGER NOT NULL,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, prekey_id)
);

CREATE TABLE IF NOT EXISTS one_time_prekeys (
	id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	prekey     BYTEA NOT NULL,
	prekey_id  INTEGER NOT NULL,
	used       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, prekey_id)
);
CREATE INDEX IF NOT EXISTS one_time_prekeys_available
	ON one_time_prekeys (user_id, created_at) WHERE NOT used;

CREATE TABLE IF NOT EXISTS messages (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	sender_id    UUID NOT NULL REFERENCES users(id),
	recipient_id UUID NOT NULL REFERENCES users(id),
	ciphertext   BYTEA NOT NULL,
	message_type SMALLINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	delivered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS messages_undelivered
	ON messages (recipient_id, created_at) WHERE delivered_at IS NULL;

CREATE TABLE IF NOT EXISTS sessions (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id      UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	device_id    UUID NOT NULL,
	token_hash   BYTEA NOT NULL UNIQUE,
	connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at   TIMESTAMPTZ NOT NULL
);
`

// NewPostgresDB opens the pool, verifies connectivity and applies the
// schema.
func NewPostgresDB(connStr string) (*PostgresDB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(50)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		return nil, err
	}
	return &PostgresDB{db: conn}, nil
}

// Close closes the pool.
func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// ---- users ----

// CreateUser inserts a user and returns the assigned row.
func (p *PostgresDB) CreateUser(username string, identityKey []byte, passwordHash string) (*User, error) {
	u := &User{}
	err := p.db.QueryRow(`
		INSERT INTO users (username, identity_key, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, username, identity_key, password_hash, created_at, updated_at`,
		username, identityKey, passwordHash,
	).Scan(&u.ID, &u.Username, &u.IdentityKey, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserByID looks a user up by id.
func (p *PostgresDB) GetUserByID(id uuid.UUID) (*User, error) {
	return p.scanUser(p.db.QueryRow(`
		SELECT id, username, identity_key, password_hash, created_at, updated_at
		FROM users WHERE id = $1`, id))
}

// GetUserByUsername looks a user up by username.
func (p *PostgresDB) GetUserByUsername(username string) (*User, error) {
	return p.scanUser(p.db.QueryRow(`
		SELECT id, username, identity_key, password_hash, created_at, updated_at
		FROM users WHERE username = $1`, username))
}

// SearchUsers matches usernames by case-insensitive prefix, capped at limit;
// a limit outside 1..50 is replaced by 20.
func (p *PostgresDB) SearchUsers(query string, limit int) ([]*User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	rows, err := p.db.Query(`
		SELECT id, username, identity_key, password_hash, created_at, updated_at
		FROM users
		WHERE username ILIKE $1 || '%'
		ORDER BY username
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.IdentityKey, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresDB) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Username, &u.IdentityKey, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ---- prekeys ----

// StorePrekeyBundle upserts a user's signed prekey.
func (p *PostgresDB) StorePrekeyBundle(userID uuid.UUID, signedPrekey, signature []byte, prekeyID int32) error {
	_, err := p.db.Exec(`
		INSERT INTO prekey_bundles (user_id, signed_prekey, signed_prekey_signature, prekey_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, prekey_id) DO UPDATE SET
			signed_prekey = EXCLUDED.signed_prekey,
			signed_prekey_signature = EXCLUDED.signed_prekey_signature`,
		userID, signedPrekey, signature, prekeyID)
	return err
}

// GetPrekeyBundle returns the latest published bundle for a user, or
// ErrNotFound.
func (p *PostgresDB) GetPrekeyBundle(userID uuid.UUID) (*PrekeyBundleRow, error) {
	b := &PrekeyBundleRow{}
	err := p.db.QueryRow(`
		SELECT id, user_id, signed_prekey, signed_prekey_signature, prekey_id, created_at
		FROM prekey_bundles
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, userID,
	).Scan(&b.ID, &b.UserID, &b.SignedPrekey, &b.SignedPrekeySignature, &b.PrekeyID, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// StoreOneTimePrekeys inserts a batch, skipping duplicates.
func (p *PostgresDB) StoreOneTimePrekeys(userID uuid.UUID, prekeys []OneTimePrekeyRow) (int, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	count := 0
	for _, pk := range prekeys {
		res, err := tx.Exec(`
			INSERT INTO one_time_prekeys (user_id, prekey, prekey_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			userID, pk.Prekey, pk.PrekeyID)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}
	return count, tx.Commit()
}

// ConsumeOneTimePrekey pops the oldest unused prekey for a user. The
// SKIP LOCKED subquery makes the used=false -> true transition atomic under
// concurrent bundle fetches; a prekey is observable at most once. Returns
// nil with no error when the pool is empty.
func (p *PostgresDB) ConsumeOneTimePrekey(userID uuid.UUID) (*OneTimePrekeyRow, error) {
	pk := &OneTimePrekeyRow{}
	err := p.db.QueryRow(`
		UPDATE one_time_prekeys
		SET used = TRUE
		WHERE id = (
			SELECT id FROM one_time_prekeys
			WHERE user_id = $1 AND NOT used
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, prekey, prekey_id, used, created_at`, userID,
	).Scan(&pk.ID, &pk.UserID, &pk.Prekey, &pk.PrekeyID, &pk.Used, &pk.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pk, nil
}

// CountOneTimePrekeys reports how many unused prekeys remain.
func (p *PostgresDB) CountOneTimePrekeys(userID uuid.UUID) (int, error) {
	var n int
	err := p.db.QueryRow(`
		SELECT COUNT(*) FROM one_time_prekeys
		WHERE user_id = $1 AND NOT used`, userID).Scan(&n)
	return n, err
}

// ---- messages ----

// SaveMessage persists an encrypted message and returns the row with its
// assigned id and timestamp.
func (p *PostgresDB) SaveMessage(senderID, recipientID uuid.UUID, ciphertext []byte, messageType int16) (*Message, error) {
	m := &Message{}
	err := p.db.QueryRow(`
		INSERT INTO messages (sender_id, recipient_id, ciphertext, message_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, sender_id, recipient_id, ciphertext, message_type, created_at, delivered_at`,
		senderID, recipientID, ciphertext, messageType,
	).Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.MessageType, &m.CreatedAt, &m.DeliveredAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a single message row.
func (p *PostgresDB) GetMessage(id uuid.UUID) (*Message, error) {
	m := &Message{}
	err := p.db.QueryRow(`
		SELECT id, sender_id, recipient_id, ciphertext, message_type, created_at, delivered_at
		FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.MessageType, &m.CreatedAt, &m.DeliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetUndelivered returns unacknowledged messages for a recipient in
// ascending insertion order, for reconnect replay.
func (p *PostgresDB) GetUndelivered(recipientID uuid.UUID) ([]*Message, error) {
	rows, err := p.db.Query(`
		SELECT id, sender_id, recipient_id, ciphertext, message_type, created_at, delivered_at
		FROM messages
		WHERE recipient_id = $1 AND delivered_at IS NULL
		ORDER BY created_at ASC`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.MessageType, &m.CreatedAt, &m.DeliveredAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkDelivered sets delivered_at on the rows that are still null.
func (p *PostgresDB) MarkDelivered(messageIDs []uuid.UUID) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = id.String()
	}
	res, err := p.db.Exec(`
		UPDATE messages
		SET delivered_at = NOW()
		WHERE id = ANY($1::uuid[]) AND delivered_at IS NULL`,
		pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOldDelivered prunes acknowledged rows older than the retention
// window, returning how many were removed.
func (p *PostgresDB) DeleteOldDelivered(retentionDays int) (int64, error) {
	res, err := p.db.Exec(`
		DELETE FROM messages
		WHERE delivered_at IS NOT NULL
		  AND delivered_at < NOW() - INTERVAL '1 day' * $1`, retentionDays)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- sessions ----

// CreateSession records a new authenticated device session.
func (p *PostgresDB) CreateSession(userID, deviceID uuid.UUID, tokenHash []byte, expiresAt time.Time) (*Session, error) {
	s := &Session{}
	err := p.db.QueryRow(`
		INSERT INTO sessions (user_id, device_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, device_id, token_hash, connected_at, last_seen, expires_at`,
		userID, deviceID, tokenHash, expiresAt,
	).Scan(&s.ID, &s.UserID, &s.DeviceID, &s.TokenHash, &s.ConnectedAt, &s.LastSeen, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSessionByTokenHash resolves a live session from a token hash; expired
// sessions are invisible.
func (p *PostgresDB) GetSessionByTokenHash(tokenHash []byte) (*Session, error) {
	s := &Session{}
	err := p.db.QueryRow(`
		SELECT id, user_id, device_id, token_hash, connected_at, last_seen, expires_at
		FROM sessions
		WHERE token_hash = $1 AND expires_at > NOW()`, tokenHash,
	).Scan(&s.ID, &s.UserID, &s.DeviceID, &s.TokenHash, &s.ConnectedAt, &s.LastSeen, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// TouchSession refreshes last_seen.
func (p *PostgresDB) TouchSession(sessionID uuid.UUID) error {
	_, err := p.db.Exec(`UPDATE sessions SET last_seen = NOW() WHERE id = $1`, sessionID)
	return err
}

// DeleteExpiredSessions removes sessions past their expiry.
func (p *PostgresDB) DeleteExpiredSessions() (int64, error) {
	res, err := p.db.Exec(`DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
