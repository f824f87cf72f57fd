package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punitmishra/chai.im/internal/auth"
	"github.com/punitmishra/chai.im/internal/db"
)

// SearchUsers serves GET /users/search?q=&limit= with bearer auth.
func SearchUsers(store Store, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bearerSession(w, r, authService) == nil {
			return
		}

		query := r.URL.Query().Get("q")
		if query == "" {
			writeError(w, http.StatusBadRequest, "missing query")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		users, err := store.SearchUsers(query, limit)
		if err != nil {
			log.Printf("[http] search users: %v", err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}

		results := make([]userResponse, 0, len(users))
		for _, u := range users {
			results = append(results, toUserResponse(u))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"users": results})
	}
}

// GetUser serves GET /users/{id} with bearer auth.
func GetUser(store Store, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bearerSession(w, r, authService) == nil {
			return
		}

		userID, err := uuid.Parse(mux.Vars(r)["id"])
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
		writeJSON(w, http.StatusOK, toUserResponse(user))
	}
}
