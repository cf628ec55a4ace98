package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/faceindex"
)

// SitesHandler handles per-site read endpoints
type SitesHandler struct {
	registry   *faceindex.Registry
	identities database.IdentityReader
}

// NewSitesHandler creates a new sites handler
func NewSitesHandler(registry *faceindex.Registry, identities database.IdentityReader) *SitesHandler {
	return &SitesHandler{
		registry:   registry,
		identities: identities,
	}
}

// Stats returns vector and identity counts of a site's snapshot.
func (h *SitesHandler) Stats(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	if err := faceindex.ValidateSite(site); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.registry.Stats(r.Context(), site)
	if err != nil {
		log.Printf("site stats %s: %v", sanitizeForLog(site), err)
		respondError(w, http.StatusInternalServerError, "failed to load site")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Identities lists enrolled identities of a site. With ?name= only identities
// whose normalized display name matches are returned.
func (h *SitesHandler) Identities(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	if err := faceindex.ValidateSite(site); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		list []database.Identity
		err  error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		list, err = h.identities.FindByDisplayName(r.Context(), site, name)
	} else {
		list, err = h.identities.ListIdentities(r.Context(), site)
	}
	if err != nil {
		if errors.Is(err, faceindex.ErrInvalidSite) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("list identities %s: %v", sanitizeForLog(site), err)
		respondError(w, http.StatusInternalServerError, "failed to list identities")
		return
	}
	if list == nil {
		list = []database.Identity{}
	}
	respondJSON(w, http.StatusOK, list)
}
