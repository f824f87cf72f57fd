package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punitmishra/chai.im/internal/auth"
	"github.com/punitmishra/chai.im/internal/db"
)

// fakeStore implements Store and auth.SessionStore in memory.
type fakeStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*db.User
	byName   map[string]*db.User
	bundles  map[uuid.UUID]*db.PrekeyBundleRow
	oneTime  map[uuid.UUID][]*db.OneTimePrekeyRow
	sessions map[string]*auth.SessionRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[uuid.UUID]*db.User),
		byName:   make(map[string]*db.User),
		bundles:  make(map[uuid.UUID]*db.PrekeyBundleRow),
		oneTime:  make(map[uuid.UUID][]*db.OneTimePrekeyRow),
		sessions: make(map[string]*auth.SessionRecord),
	}
}

func (f *fakeStore) CreateUser(username string, identityKey []byte, passwordHash string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byName[username]; ok {
		return nil, &pqUniqueViolation{}
	}
	u := &db.User{ID: uuid.New(), Username: username, IdentityKey: identityKey, PasswordHash: passwordHash, CreatedAt: time.Now()}
	f.users[u.ID] = u
	f.byName[username] = u
	return u, nil
}

// pqUniqueViolation stands in for the driver's duplicate-key error; the
// handler treats anything else as internal, so duplicates in tests surface
// as 500 rather than 409. That is fine for what these tests assert.
type pqUniqueViolation struct{}

func (*pqUniqueViolation) Error() string { return "duplicate key value violates unique constraint" }

func (f *fakeStore) GetUserByID(id uuid.UUID) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByUsername(username string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byName[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) SearchUsers(query string, limit int) ([]*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.User
	for _, u := range f.byName {
		if strings.HasPrefix(u.Username, query) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) StorePrekeyBundle(userID uuid.UUID, signedPrekey, signature []byte, prekeyID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles[userID] = &db.PrekeyBundleRow{UserID: userID, SignedPrekey: signedPrekey, SignedPrekeySignature: signature, PrekeyID: prekeyID}
	return nil
}

func (f *fakeStore) GetPrekeyBundle(userID uuid.UUID) (*db.PrekeyBundleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) StoreOneTimePrekeys(userID uuid.UUID, prekeys []db.OneTimePrekeyRow) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range prekeys {
		pk := prekeys[i]
		f.oneTime[userID] = append(f.oneTime[userID], &pk)
	}
	return len(prekeys), nil
}

func (f *fakeStore) ConsumeOneTimePrekey(userID uuid.UUID) (*db.OneTimePrekeyRow, error) {
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

func (f *fakeStore) CountOneTimePrekeys(userID uuid.UUID) (int, error) {
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

func (f *fakeStore) CreateAuthSession(userID, deviceID uuid.UUID, tokenHash []byte, expiresAt time.Time) (*auth.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := &auth.SessionRecord{ID: uuid.New(), UserID: userID, DeviceID: deviceID, ExpiresAt: expiresAt}
	f.sessions[string(tokenHash)] = rec
	return rec, nil
}

func (f *fakeStore) GetAuthSession(tokenHash []byte) (*auth.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sessions[string(tokenHash)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) TouchAuthSession(uuid.UUID) error { return nil }

func newTestRouter(t *testing.T) (*mux.Router, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	authService, err := auth.NewService(store, "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", HealthCheck).Methods("GET")
	router.HandleFunc("/auth/register", Register(store, authService)).Methods("POST")
	router.HandleFunc("/auth/login", Login(store, authService)).Methods("POST")
	router.HandleFunc("/prekeys/bundle/{user_id}", GetPrekeyBundle(store)).Methods("GET")
	router.HandleFunc("/prekeys/bundle", UploadPrekeyBundle(store, authService)).Methods("POST")
	router.HandleFunc("/prekeys/one-time", UploadOneTimePrekeys(store, authService)).Methods("POST")
	router.HandleFunc("/users/search", SearchUsers(store, authService)).Methods("GET")
	router.HandleFunc("/users/{id}", GetUser(store, authService)).Methods("GET")
	return router, store
}

func doJSON(t *testing.T, router *mux.Router, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, router *mux.Router, username string) (uuid.UUID, string) {
	t.Helper()
	identity := bytes.Repeat([]byte{0xAB}, 32)
	rec := doJSON(t, router, "POST", "/auth/register", "", map[string]interface{}{
		"username":     username,
		"password":     "hunter2hunter2",
		"identity_key": identity,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID uuid.UUID `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.User.ID, resp.Token
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("health: %d %s", rec.Code, rec.Body)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	router, _ := newTestRouter(t)
	userID, token := registerUser(t, router, "alice")
	if token == "" {
		t.Fatal("no token issued")
	}

	// Token works against an authenticated endpoint.
	rec := doJSON(t, router, "GET", "/users/"+userID.String(), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get user: %d %s", rec.Code, rec.Body)
	}

	// Login with the right password issues a fresh token.
	rec = doJSON(t, router, "POST", "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "hunter2hunter2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}

	// Wrong password is a 401.
	rec = doJSON(t, router, "POST", "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", rec.Code)
	}
}

func TestRegisterRejectsBadIdentityKey(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "POST", "/auth/register", "", map[string]interface{}{
		"username":     "bob",
		"password":     "hunter2hunter2",
		"identity_key": []byte{1, 2, 3},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)
	for _, tc := range []struct{ method, path string }{
		{"GET", "/users/search?q=a"},
		{"GET", "/users/" + uuid.NewString()},
		{"POST", "/prekeys/bundle"},
		{"POST", "/prekeys/one-time"},
	} {
		rec := doJSON(t, router, tc.method, tc.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestPrekeyPublishAndFetch(t *testing.T) {
	router, _ := newTestRouter(t)
	userID, token := registerUser(t, router, "carol")

	signedPrekey := bytes.Repeat([]byte{2}, 32)
	signature := bytes.Repeat([]byte{3}, 64)
	rec := doJSON(t, router, "POST", "/prekeys/bundle", token, map[string]interface{}{
		"bundle": map[string]interface{}{
			"identity_key":            bytes.Repeat([]byte{0xAB}, 32),
			"signed_prekey":           signedPrekey,
			"signed_prekey_signature": signature,
			"signed_prekey_id":        7,
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload bundle: %d %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, router, "POST", "/prekeys/one-time", token, map[string]interface{}{
		"prekeys": []map[string]interface{}{
			{"id": 1, "key": bytes.Repeat([]byte{4}, 32)},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload one-time: %d %s", rec.Code, rec.Body)
	}

	// First fetch includes the one-time prekey.
	rec = doJSON(t, router, "GET", "/prekeys/bundle/"+userID.String(), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		Bundle *struct {
			SignedPrekeyID  uint32  `json:"signed_prekey_id"`
			OneTimePrekey   []byte  `json:"one_time_prekey"`
			OneTimePrekeyID *uint32 `json:"one_time_prekey_id"`
		} `json:"bundle"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Bundle == nil || resp.Bundle.SignedPrekeyID != 7 || resp.Bundle.OneTimePrekey == nil {
		t.Fatalf("bad bundle: %+v", resp.Bundle)
	}

	// Second fetch: pool exhausted but bundle still served.
	rec = doJSON(t, router, "GET", "/prekeys/bundle/"+userID.String(), "", nil)
	resp.Bundle = nil // decode into a fresh struct, not the first fetch's
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Bundle == nil || resp.Bundle.OneTimePrekey != nil {
		t.Fatal("one-time prekey observable twice")
	}
}

func TestGetBundleUnknownUser(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "GET", "/prekeys/bundle/"+uuid.NewString(), "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSearchUsers(t *testing.T) {
	router, _ := newTestRouter(t)
	_, token := registerUser(t, router, "dave")
	registerUser(t, router, "daniela")
	registerUser(t, router, "erin")

	rec := doJSON(t, router, "GET", "/users/search?q=da", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		Users []userResponse `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Users) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(resp.Users))
	}
}
