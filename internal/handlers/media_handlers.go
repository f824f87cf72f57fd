package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punitmishra/chai.im/internal/auth"
	"github.com/punitmishra/chai.im/internal/media"
)

const presignExpiry = 15 * time.Minute

// MediaUploadURL serves POST /media/upload-url: a presigned PUT for one
// encrypted attachment.
func MediaUploadURL(svc *media.Service, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bearerSession(w, r, authService) == nil {
			return
		}

		mediaID := uuid.New()
		uploadURL, err := svc.UploadURL(r.Context(), mediaID.String(), presignExpiry)
		if err != nil {
			log.Printf("[http] presign upload: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to presign upload")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"media_id":   mediaID,
			"upload_url": uploadURL,
			"expires_in": int(presignExpiry.Seconds()),
		})
	}
}

// MediaDownloadURL serves GET /media/download-url/{media_id}.
func MediaDownloadURL(svc *media.Service, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bearerSession(w, r, authService) == nil {
			return
		}

		mediaID, err := uuid.Parse(mux.Vars(r)["media_id"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid media id")
			return
		}
		downloadURL, err := svc.DownloadURL(r.Context(), mediaID.String(), presignExpiry)
		if err != nil {
			log.Printf("[http] presign download: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to presign download")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"media_id":     mediaID,
			"download_url": downloadURL,
			"expires_in":   int(presignExpiry.Seconds()),
		})
	}
}
