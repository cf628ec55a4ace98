package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/kozaktomas/face-attendance/internal/enrollment"
	"github.com/kozaktomas/face-attendance/internal/imaging"
)

// Enroller enrolls face images for an identity.
type Enroller interface {
	Enroll(ctx context.Context, req enrollment.Request) (*enrollment.Result, error)
}

// EnrollHandler handles enrollment endpoints
type EnrollHandler struct {
	enroller Enroller
}

// NewEnrollHandler creates a new enrollment handler
func NewEnrollHandler(enroller Enroller) *EnrollHandler {
	return &EnrollHandler{enroller: enroller}
}

// RegisterRequest is the body of POST /register_multiple.
type RegisterRequest struct {
	SiteID       string   `json:"site_id"`
	EmployeeID   string   `json:"employee_id"`
	EmployeeName string   `json:"employee_name"`
	Images       []string `json:"images"`
}

// RegisterResponse reports how many images were enrolled.
type RegisterResponse struct {
	Success    bool                 `json:"success"`
	Saved      int                  `json:"saved"`
	Failed     int                  `json:"failed"`
	EmployeeID string               `json:"employee_id"`
	Failures   []enrollment.Failure `json:"failures,omitempty"`
}

// Register enrolls every image of the request. Images that cannot be used
// are counted in Failed; the request still succeeds.
func (h *EnrollHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Images) == 0 {
		respondError(w, http.StatusBadRequest, "no images provided")
		return
	}

	// Undecodable entries stay in place as empty images so the enrollment
	// reports them as invalid at their original index.
	images := make([][]byte, len(req.Images))
	for i, b64 := range req.Images {
		data, err := imaging.DecodeBase64(b64)
		if err != nil {
			continue
		}
		images[i] = data
	}

	result, err := h.enroller.Enroll(r.Context(), enrollment.Request{
		Site:        req.SiteID,
		IdentityID:  req.EmployeeID,
		DisplayName: req.EmployeeName,
		Images:      images,
	})
	if err != nil {
		switch {
		case errors.Is(err, enrollment.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, enrollment.ErrExtractorUnavailable):
			log.Printf("enroll %s/%s: %v", sanitizeForLog(req.SiteID), sanitizeForLog(req.EmployeeID), err)
			respondError(w, http.StatusBadGateway, "embedding service unavailable")
			return
		}
		log.Printf("enroll %s/%s: %v", sanitizeForLog(req.SiteID), sanitizeForLog(req.EmployeeID), err)
		respondError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}

	respondJSON(w, http.StatusOK, RegisterResponse{
		Success:    true,
		Saved:      result.Accepted,
		Failed:     result.Rejected,
		EmployeeID: result.IdentityID,
		Failures:   result.Failures,
	})
}
