package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punitmishra/chai.im/internal/auth"
	"github.com/punitmishra/chai.im/internal/db"
	"github.com/punitmishra/chai.im/internal/metrics"
	"github.com/punitmishra/chai.im/internal/protocol"
)

// GetPrekeyBundle serves GET /prekeys/bundle/{user_id}. It consumes at most
// one one-time prekey, exactly like the WebSocket frame path.
func GetPrekeyBundle(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(mux.Vars(r)["user_id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}

		user, err := store.GetUserByID(userID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown user")
			} else {
				log.Printf("[http] get user: %v", err)
				writeError(w, http.StatusInternalServerError, "storage error")
			}
			return
		}

		row, err := store.GetPrekeyBundle(userID)
		if errors.Is(err, db.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"bundle": nil})
			return
		}
		if err != nil {
			log.Printf("[http] get bundle: %v", err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}

		bundle := &protocol.PrekeyBundleData{
			IdentityKey:           user.IdentityKey,
			SignedPrekey:          row.SignedPrekey,
			SignedPrekeySignature: row.SignedPrekeySignature,
			SignedPrekeyID:        uint32(row.PrekeyID),
		}
		if oneTime, err := store.ConsumeOneTimePrekey(userID); err != nil {
			log.Printf("[http] consume prekey: %v", err)
		} else if oneTime != nil {
			id := uint32(oneTime.PrekeyID)
			bundle.OneTimePrekey = oneTime.Prekey
			bundle.OneTimePrekeyID = &id
			metrics.PrekeysConsumed.Inc()
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"bundle": bundle})
	}
}

// UploadPrekeyBundle serves POST /prekeys/bundle with bearer auth.
func UploadPrekeyBundle(store Store, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := bearerSession(w, r, authService)
		if session == nil {
			return
		}

		var req struct {
			Bundle protocol.PrekeyBundleData `json:"bundle"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Bundle.SignedPrekey) != 32 || len(req.Bundle.SignedPrekeySignature) != 64 {
			writeError(w, http.StatusBadRequest, "malformed bundle")
			return
		}

		err := store.StorePrekeyBundle(session.UserID, req.Bundle.SignedPrekey, req.Bundle.SignedPrekeySignature, int32(req.Bundle.SignedPrekeyID))
		if err != nil {
			log.Printf("[http] store bundle: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to store bundle")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// UploadOneTimePrekeys serves POST /prekeys/one-time with bearer auth.
func UploadOneTimePrekeys(store Store, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := bearerSession(w, r, authService)
		if session == nil {
			return
		}

		var req struct {
			Prekeys []protocol.OneTimePrekey `json:"prekeys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rows := make([]db.OneTimePrekeyRow, 0, len(req.Prekeys))
		for _, pk := range req.Prekeys {
			if len(pk.Key) != 32 {
				writeError(w, http.StatusBadRequest, "prekeys must be 32 bytes")
				return
			}
			rows = append(rows, db.OneTimePrekeyRow{Prekey: pk.Key, PrekeyID: int32(pk.ID)})
		}

		count, err := store.StoreOneTimePrekeys(session.UserID, rows)
		if err != nil {
			log.Printf("[http] store one-time prekeys: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to store prekeys")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": count})
	}
}
