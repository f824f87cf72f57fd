package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/punitmishra/chai.im/internal/auth"
)

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	IdentityKey []byte `json:"identity_key"`
	DeviceID    string `json:"device_id,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

// Register creates a user, records their identity key, and issues a token.
func Register(store Store, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Username == "" || req.Password == "" || len(req.IdentityKey) != 32 {
			writeError(w, http.StatusBadRequest, "username, password and a 32-byte identity key are required")
			return
		}

		passwordHash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to hash password")
			return
		}

		user, err := store.CreateUser(req.Username, req.IdentityKey, passwordHash)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				writeError(w, http.StatusConflict, "username already taken")
				return
			}
			log.Printf("[http] create user: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to create user")
			return
		}

		issueAndRespond(w, authService, user.ID, req.DeviceID, toUserResponse(user))
	}
}

// Login verifies credentials and issues a token.
func Login(store Store, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		user, err := store.GetUserByUsername(req.Username)
		if err != nil {
			// Same response as a bad password; no username probing.
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
		if err != nil || !ok {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		issueAndRespond(w, authService, user.ID, req.DeviceID, toUserResponse(user))
	}
}

func issueAndRespond(w http.ResponseWriter, authService *auth.Service, userID uuid.UUID, deviceID string, user userResponse) {
	device, err := uuid.Parse(deviceID)
	if err != nil {
		device = uuid.New()
	}
	token, expiresAt, err := authService.IssueToken(userID, device)
	if err != nil {
		log.Printf("[http] issue token: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, ExpiresAt: expiresAt, User: user})
}
