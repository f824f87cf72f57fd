// Package handlers implements the HTTP side endpoints and the WebSocket
// upgrade. The crypto core never runs here; these endpoints move public keys
// and opaque ciphertext.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punitmishra/chai.im/internal/auth"
	"github.com/punitmishra/chai.im/internal/db"
)

// Store is the durable-state capability the HTTP handlers consume.
type Store interface {
	CreateUser(username string, identityKey []byte, passwordHash string) (*db.User, error)
	GetUserByID(id uuid.UUID) (*db.User, error)
	GetUserByUsername(username string) (*db.User, error)
	SearchUsers(query string, limit int) ([]*db.User, error)

	StorePrekeyBundle(userID uuid.UUID, signedPrekey, signature []byte, prekeyID int32) error
	GetPrekeyBundle(userID uuid.UUID) (*db.PrekeyBundleRow, error)
	StoreOneTimePrekeys(userID uuid.UUID, prekeys []db.OneTimePrekeyRow) (int, error)
	ConsumeOneTimePrekey(userID uuid.UUID) (*db.OneTimePrekeyRow, error)
	CountOneTimePrekeys(userID uuid.UUID) (int, error)
}

// HealthCheck answers load-balancer probes.
func HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[http] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// bearerSession authenticates the Authorization header against the auth
// service, or writes a 401 and returns nil.
func bearerSession(w http.ResponseWriter, r *http.Request, authService *auth.Service) *auth.SessionRecord {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil
	}
	session, err := authService.Authenticate(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil
	}
	return session
}

// userResponse is the public view of a user.
type userResponse struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	IdentityKey []byte    `json:"identity_key"`
	CreatedAt   time.Time `json:"created_at"`
}

func toUserResponse(u *db.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, IdentityKey: u.IdentityKey, CreatedAt: u.CreatedAt}
}
