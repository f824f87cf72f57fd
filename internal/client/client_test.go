package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punitmishra/chai.im/internal/auth"
	"github.com/punitmishra/chai.im/internal/crypto"
	"github.com/punitmishra/chai.im/internal/db"
	"github.com/punitmishra/chai.im/internal/handlers"
	"github.com/punitmishra/chai.im/internal/relay"
	"github.com/punitmishra/chai.im/internal/store"
)

// fakeBackend implements the store capabilities of the relay, the HTTP
// handlers and the auth service in memory, so the full client <-> relay
// stack runs in-process.
type fakeBackend struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*db.User
	byName   map[string]*db.User
	bundles  map[uuid.UUID]*db.PrekeyBundleRow
	oneTime  map[uuid.UUID][]*db.OneTimePrekeyRow
	messages map[uuid.UUID]*db.Message
	order    []uuid.UUID
	sessions map[string]*auth.SessionRecord
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users:    make(map[uuid.UUID]*db.User),
		byName:   make(map[string]*db.User),
		bundles:  make(map[uuid.UUID]*db.PrekeyBundleRow),
		oneTime:  make(map[uuid.UUID][]*db.OneTimePrekeyRow),
		messages: make(map[uuid.UUID]*db.Message),
		sessions: make(map[string]*auth.SessionRecord),
	}
}

func (f *fakeBackend) CreateUser(username string, identityKey []byte, passwordHash string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &db.User{ID: uuid.New(), Username: username, IdentityKey: identityKey, PasswordHash: passwordHash}
	f.users[u.ID] = u
	f.byName[username] = u
	return u, nil
}

func (f *fakeBackend) GetUserByID(id uuid.UUID) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (f *fakeBackend) GetUserByUsername(username string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byName[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (f *fakeBackend) SearchUsers(string, int) ([]*db.User, error) { return nil, nil }

func (f *fakeBackend) SaveMessage(senderID, recipientID uuid.UUID, ciphertext []byte, messageType int16) (*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &db.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Ciphertext:  ciphertext,
		MessageType: messageType,
		CreatedAt:   time.Now().UTC(),
	}
	f.messages[m.ID] = m
	f.order = append(f.order, m.ID)
	return m, nil
}

func (f *fakeBackend) GetMessage(id uuid.UUID) (*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return m, nil
}

func (f *fakeBackend) GetUndelivered(recipientID uuid.UUID) ([]*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Message
	for _, id := range f.order {
		m := f.messages[id]
		if m.RecipientID == recipientID && m.DeliveredAt == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) MarkDelivered(ids []uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, id := range ids {
		if m, ok := f.messages[id]; ok && m.DeliveredAt == nil {
			m.DeliveredAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) DeleteOldDelivered(int) (int64, error) { return 0, nil }

func (f *fakeBackend) StorePrekeyBundle(userID uuid.UUID, signedPrekey, signature []byte, prekeyID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles[userID] = &db.PrekeyBundleRow{UserID: userID, SignedPrekey: signedPrekey, SignedPrekeySignature: signature, PrekeyID: prekeyID}
	return nil
}

func (f *fakeBackend) GetPrekeyBundle(userID uuid.UUID) (*db.PrekeyBundleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return b, nil
}

func (f *fakeBackend) StoreOneTimePrekeys(userID uuid.UUID, prekeys []db.OneTimePrekeyRow) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range prekeys {
		pk := prekeys[i]
		f.oneTime[userID] = append(f.oneTime[userID], &pk)
	}
	return len(prekeys), nil
}

func (f *fakeBackend) ConsumeOneTimePrekey(userID uuid.UUID) (*db.OneTimePrekeyRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pk := range f.oneTime[userID] {
		if !pk.Used {
			pk.Used = true
			return pk, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) CountOneTimePrekeys(userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pk := range f.oneTime[userID] {
		if !pk.Used {
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) CreateAuthSession(userID, deviceID uuid.UUID, tokenHash []byte, expiresAt time.Time) (*auth.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := &auth.SessionRecord{ID: uuid.New(), UserID: userID, DeviceID: deviceID, ExpiresAt: expiresAt}
	f.sessions[string(tokenHash)] = rec
	return rec, nil
}

func (f *fakeBackend) GetAuthSession(tokenHash []byte) (*auth.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sessions[string(tokenHash)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return rec, nil
}

func (f *fakeBackend) TouchAuthSession(uuid.UUID) error { return nil }

// testRelay runs the full relay stack on an httptest server.
func testRelay(t *testing.T) (*httptest.Server, *fakeBackend, *auth.Service) {
	t.Helper()
	backend := newFakeBackend()
	authService, err := auth.NewService(backend, "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	hub := relay.NewHub("relay-test", backend, nil)

	router := mux.NewRouter()
	router.HandleFunc("/ws", handlers.WebSocket(hub, authService)).Methods("GET")

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, backend, authService
}

type connected struct {
	client   *Client
	userID   uuid.UUID
	registry *crypto.Registry
	messages chan string
}

func connect(t *testing.T, server *httptest.Server, backend *fakeBackend, authService *auth.Service, name string) *connected {
	t.Helper()

	registry, err := crypto.NewRegistry()
	if err != nil {
		t.Fatalf("%s registry: %v", name, err)
	}
	identity := registry.Identity().PublicKey()
	user, err := backend.CreateUser(name, identity[:], "x")
	if err != nil {
		t.Fatalf("%s user: %v", name, err)
	}
	token, _, err := authService.IssueToken(user.ID, uuid.New())
	if err != nil {
		t.Fatalf("%s token: %v", name, err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("%s store: %v", name, err)
	}
	t.Cleanup(func() { st.Close() })

	messages := make(chan string, 16)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	c, err := Dial(context.Background(), wsURL, token, user.ID, registry, st, Handlers{
		OnMessage: func(_ uuid.UUID, plaintext []byte) {
			messages <- string(plaintext)
		},
	})
	if err != nil {
		t.Fatalf("%s dial: %v", name, err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.PublishKeys(10); err != nil {
		t.Fatalf("%s publish keys: %v", name, err)
	}
	return &connected{client: c, userID: user.ID, registry: registry, messages: messages}
}

func waitMessage(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

// TestClientsExchangeMessages runs first contact and a reply through a live
// relay over real WebSockets.
func TestClientsExchangeMessages(t *testing.T) {
	server, backend, authService := testRelay(t)

	alice := connect(t, server, backend, authService, "alice")
	bob := connect(t, server, backend, authService, "bob")

	// Uploads land asynchronously through the read pumps; give the relay a
	// moment to commit bob's keys.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := backend.CountOneTimePrekeys(bob.userID); n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bob's prekeys never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := alice.client.SendText(context.Background(), bob.userID, []byte("Hello, Bob!")); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	if got := waitMessage(t, bob.messages); got != "Hello, Bob!" {
		t.Fatalf("bob got %q", got)
	}

	if err := bob.client.SendText(context.Background(), alice.userID, []byte("Hello, Alice!")); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	if got := waitMessage(t, alice.messages); got != "Hello, Alice!" {
		t.Fatalf("alice got %q", got)
	}

	// Delivery acks landed: nothing left to replay for bob.
	pending, err := backend.GetUndelivered(bob.userID)
	if err != nil {
		t.Fatalf("undelivered: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for len(pending) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d messages never acked", len(pending))
		}
		time.Sleep(10 * time.Millisecond)
		pending, _ = backend.GetUndelivered(bob.userID)
	}
}

// TestOfflineDeliveryOnReconnect stores a message while the recipient is
// offline and replays it when they connect.
func TestOfflineDeliveryOnReconnect(t *testing.T) {
	server, backend, authService := testRelay(t)

	alice := connect(t, server, backend, authService, "alice")

	// Bob exists and has published keys, but is offline: seed his keys
	// directly.
	bobRegistry, err := crypto.NewRegistry()
	if err != nil {
		t.Fatalf("bob registry: %v", err)
	}
	if _, err := bobRegistry.GenerateOneTimePreKeys(3); err != nil {
		t.Fatalf("bob prekeys: %v", err)
	}
	bobIdentity := bobRegistry.Identity().PublicKey()
	bobUser, err := backend.CreateUser("bob", bobIdentity[:], "x")
	if err != nil {
		t.Fatalf("bob user: %v", err)
	}
	spk := bobRegistry.SignedPreKey()
	spkPub := spk.PublicKey()
	if err := backend.StorePrekeyBundle(bobUser.ID, spkPub[:], spk.Signature, int32(spk.ID)); err != nil {
		t.Fatalf("seed bundle: %v", err)
	}
	for _, pk := range bobRegistry.OneTimePreKeys() {
		pub := pk.PublicKey()
		if _, err := backend.StoreOneTimePrekeys(bobUser.ID, []db.OneTimePrekeyRow{{Prekey: pub[:], PrekeyID: int32(pk.ID)}}); err != nil {
			t.Fatalf("seed prekeys: %v", err)
		}
	}

	if err := alice.client.SendText(context.Background(), bobUser.ID, []byte("while you were out")); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The message waits in the store.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if pending, _ := backend.GetUndelivered(bobUser.ID); len(pending) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message never stored")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Bob connects with his (seeded) registry and receives the replay.
	token, _, err := authService.IssueToken(bobUser.ID, uuid.New())
	if err != nil {
		t.Fatalf("bob token: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "bob.db"))
	if err != nil {
		t.Fatalf("bob store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	messages := make(chan string, 16)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	bobClient, err := Dial(context.Background(), wsURL, token, bobUser.ID, bobRegistry, st, Handlers{
		OnMessage: func(_ uuid.UUID, plaintext []byte) { messages <- string(plaintext) },
	})
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	t.Cleanup(func() { bobClient.Close() })

	if got := waitMessage(t, messages); got != "while you were out" {
		t.Fatalf("bob got %q", got)
	}
}
