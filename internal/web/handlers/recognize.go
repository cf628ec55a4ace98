package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/kozaktomas/face-attendance/internal/faceindex"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// Recognizer identifies a capture and records attendance.
type Recognizer interface {
	Recognize(ctx context.Context, req recognition.Request) (*recognition.Response, error)
}

// RecognizeHandler handles recognition endpoints
type RecognizeHandler struct {
	recognizer Recognizer
}

// NewRecognizeHandler creates a new recognition handler
func NewRecognizeHandler(recognizer Recognizer) *RecognizeHandler {
	return &RecognizeHandler{recognizer: recognizer}
}

// RecognizeRequest is the body of POST /recognize.
type RecognizeRequest struct {
	SiteID    string  `json:"site_id"`
	Image     string  `json:"image"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	DeviceID  string  `json:"device_id"`
}

// LegacyRecognizeResponse is the response shape the mobile app was built against.
type LegacyRecognizeResponse struct {
	Success      bool    `json:"success"`
	Error        string  `json:"error,omitempty"`
	Detail       string  `json:"detail,omitempty"`
	SiteID       string  `json:"site_id,omitempty"`
	EmployeeID   string  `json:"employee_id,omitempty"`
	EmployeeName string  `json:"employee_name,omitempty"`
	LogType      string  `json:"log_type,omitempty"`
	CheckinName  string  `json:"checkin_name,omitempty"`
	SelfieURL    string  `json:"selfie_url,omitempty"`
	Confidence   float32 `json:"confidence,omitempty"`
}

// Recognize returns the full recognition response.
func (h *RecognizeHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	resp, ok := h.run(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// RecognizeLegacy returns the original success/error response.
func (h *RecognizeHandler) RecognizeLegacy(w http.ResponseWriter, r *http.Request) {
	resp, ok := h.run(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toLegacy(resp))
}

// run decodes and executes a recognition, writing an error response on failure.
func (h *RecognizeHandler) run(w http.ResponseWriter, r *http.Request) (*recognition.Response, bool) {
	var req RecognizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return nil, false
	}
	img, err := imaging.DecodeBase64(req.Image)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid image")
		return nil, false
	}

	resp, err := h.recognizer.Recognize(r.Context(), recognition.Request{
		Site:      req.SiteID,
		Image:     img,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		DeviceID:  req.DeviceID,
	})
	switch {
	case err == nil:
		return resp, true
	case errors.Is(err, recognition.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recognition.ErrInvalidImage):
		respondError(w, http.StatusBadRequest, "invalid image")
	case errors.Is(err, faceindex.ErrCorruptState), errors.Is(err, faceindex.ErrIO):
		log.Printf("recognize %s: %v", sanitizeForLog(req.SiteID), err)
		respondError(w, http.StatusInternalServerError, "site index unavailable")
	default:
		log.Printf("recognize %s: %v", sanitizeForLog(req.SiteID), err)
		respondError(w, http.StatusBadGateway, "embedding service unavailable")
	}
	return nil, false
}

func toLegacy(resp *recognition.Response) LegacyRecognizeResponse {
	switch {
	case resp.Reason == recognition.ReasonNoFace:
		return LegacyRecognizeResponse{Error: "No face detected"}
	case resp.Reason == recognition.ReasonNoEnrollments:
		return LegacyRecognizeResponse{Error: "No employees registered for this site"}
	case !resp.Matched:
		return LegacyRecognizeResponse{Error: "Low confidence"}
	case resp.Error != "":
		detail := resp.ErrorDetail
		if detail == "" {
			detail = resp.Error
		}
		return LegacyRecognizeResponse{Error: "ERPNext checkin failed", Detail: detail}
	}
	return LegacyRecognizeResponse{
		Success:      true,
		SiteID:       resp.Site,
		EmployeeID:   resp.IdentityID,
		EmployeeName: resp.DisplayName,
		LogType:      resp.LogType,
		CheckinName:  resp.EventID,
		SelfieURL:    resp.SelfieURL,
		Confidence:   resp.Score,
	}
}
