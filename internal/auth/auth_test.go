package auth

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memSessionStore backs the service with a map for tests.
type memSessionStore struct {
	sessions map[string]*SessionRecord
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*SessionRecord)}
}

func (m *memSessionStore) CreateAuthSession(userID, deviceID uuid.UUID, tokenHash []byte, expiresAt time.Time) (*SessionRecord, error) {
	rec := &SessionRecord{ID: uuid.New(), UserID: userID, DeviceID: deviceID, ExpiresAt: expiresAt}
	m.sessions[string(tokenHash)] = rec
	return rec, nil
}

func (m *memSessionStore) GetAuthSession(tokenHash []byte) (*SessionRecord, error) {
	rec, ok := m.sessions[string(tokenHash)]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, errors.New("not found")
	}
	return rec, nil
}

func (m *memSessionStore) TouchAuthSession(uuid.UUID) error { return nil }

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndAuthenticate(t *testing.T) {
	store := newMemSessionStore()
	svc, err := NewService(store, testSecret)
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	userID := uuid.New()
	deviceID := uuid.New()
	token, expiresAt, err := svc.IssueToken(userID, deviceID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatal("token already expired")
	}

	session, err := svc.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.UserID != userID || session.DeviceID != deviceID {
		t.Fatal("session does not match issued identity")
	}
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	svc, err := NewService(newMemSessionStore(), testSecret)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if _, err := svc.Authenticate("not.a.token"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAuthenticateRejectsRevokedSession(t *testing.T) {
	store := newMemSessionStore()
	svc, err := NewService(store, testSecret)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	token, _, err := svc.IssueToken(uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Deleting the sessions row revokes the token even though the JWT
	// signature is still valid.
	delete(store.sessions, string(HashToken(token)))
	if _, err := svc.Authenticate(token); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	store := newMemSessionStore()
	svc1, err := NewService(store, testSecret)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	token, _, err := svc1.IssueToken(uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc2, err := NewService(store, "ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if _, err := svc2.Authenticate(token); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService(newMemSessionStore(), "short"); err == nil {
		t.Fatal("short secret accepted")
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	if !bytes.Equal(HashToken("abc"), HashToken("abc")) {
		t.Fatal("hash not deterministic")
	}
	if bytes.Equal(HashToken("abc"), HashToken("abd")) {
		t.Fatal("distinct tokens collide")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	ok, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}

	ok, err = VerifyPassword("wrong password", hash)
	if err != nil {
		t.Fatalf("verify wrong: %v", err)
	}
	if ok {
		t.Fatal("wrong password accepted")
	}
}

func TestVerifyPasswordRejectsBadFormat(t *testing.T) {
	if _, err := VerifyPassword("pw", "$bcrypt$whatever"); err == nil {
		t.Fatal("bad format accepted")
	}
}
