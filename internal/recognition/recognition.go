// Package recognition identifies a kiosk capture and records the attendance
// event for the matched identity.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/faceindex"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/imaging"
)

var (
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid recognition request")

	// ErrInvalidImage is returned when the capture cannot be decoded.
	ErrInvalidImage = errors.New("invalid image")
)

// Reasons for an unmatched response.
const (
	ReasonNoFace        = "no_face"
	ReasonNoEnrollments = string(facematch.ReasonNoEnrollments)
	ReasonLowConfidence = string(facematch.ReasonLowConfidence)
)

// Error codes for a matched response whose attendance event was not created.
const (
	ErrorAttendanceCommitFailed = "attendance_commit_failed"
	ErrorSystemOfRecordTimeout  = "system_of_record_timeout"
)

// Recorder commits attendance events.
type Recorder interface {
	Record(ctx context.Context, c attendance.Commit) (*attendance.Event, error)
}

// Request is one recognition attempt.
type Request struct {
	Site      string
	Image     []byte
	Latitude  float64
	Longitude float64
	DeviceID  string
}

// Response is the outcome reported to the kiosk.
type Response struct {
	Matched     bool    `json:"matched"`
	Site        string  `json:"site_id"`
	IdentityID  string  `json:"identity_id,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	LogType     string  `json:"log_type,omitempty"`
	EventID     string  `json:"event_id,omitempty"`
	SelfieURL   string  `json:"selfie_url"`
	Score       float32 `json:"score"`
	Reason      string  `json:"reason,omitempty"`
	Error       string  `json:"error,omitempty"`
	ErrorDetail string  `json:"error_detail,omitempty"`
}

// Options configures a Service.
type Options struct {
	TopK      int
	Threshold float32
	// Directory resolves names the identity store does not know; optional.
	Directory database.DisplayNamer
}

// Service runs recognitions.
type Service struct {
	registry   *faceindex.Registry
	extractor  embedder.Extractor
	identities database.IdentityReader
	recorder   Recorder
	opts       Options
	now        func() time.Time
}

// NewService creates a recognition service. A nil recorder identifies
// without committing attendance.
func NewService(registry *faceindex.Registry, extractor embedder.Extractor, identities database.IdentityReader, recorder Recorder, opts Options) *Service {
	return &Service{
		registry:   registry,
		extractor:  extractor,
		identities: identities,
		recorder:   recorder,
		opts:       opts,
		now:        time.Now,
	}
}

// Recognize identifies the face in req.Image and toggles its attendance.
// Unmatched captures are not errors: they are reported through Reason.
// A failed attendance commit is reported through Error with Matched still true.
func (s *Service) Recognize(ctx context.Context, req Request) (*Response, error) {
	if err := faceindex.ValidateSite(req.Site); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, err := imaging.Validate(req.Image); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	at := s.now()

	query, err := s.extractor.Extract(ctx, req.Image)
	switch {
	case errors.Is(err, embedder.ErrNoFaceFound):
		return &Response{Site: req.Site, Reason: ReasonNoFace}, nil
	case errors.Is(err, embedder.ErrInvalidImage):
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	case err != nil:
		return nil, fmt.Errorf("extracting embedding: %w", err)
	}

	var outcome facematch.Outcome
	err = s.registry.View(ctx, req.Site, func(snap *faceindex.Snapshot) error {
		var rerr error
		outcome, rerr = facematch.Resolve(snap, query, s.opts.TopK, s.opts.Threshold)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}

	resp := &Response{Site: req.Site, Score: outcome.Score}
	if !outcome.Matched {
		resp.Reason = string(outcome.Reason)
		return resp, nil
	}
	resp.Matched = true
	resp.IdentityID = outcome.IdentityID
	resp.DisplayName = s.displayName(ctx, req.Site, outcome.IdentityID)

	if s.recorder == nil {
		return resp, nil
	}

	event, err := s.recorder.Record(ctx, attendance.Commit{
		IdentityID: outcome.IdentityID,
		Time:       at,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		DeviceID:   req.DeviceID,
		Selfie:     req.Image,
	})
	if err != nil {
		log.Printf("recognition: %s/%s: %v", req.Site, outcome.IdentityID, err)
		resp.Error = ErrorAttendanceCommitFailed
		resp.ErrorDetail = err.Error()
		var ce *attendance.CommitError
		if errors.As(err, &ce) && ce.Timeout {
			resp.Error = ErrorSystemOfRecordTimeout
		}
		return resp, nil
	}

	resp.LogType = event.LogType
	resp.EventID = event.Name
	resp.SelfieURL = event.SelfieURL
	return resp, nil
}

// displayName prefers the enrolled name, then the external directory, then the id.
func (s *Service) displayName(ctx context.Context, site, identityID string) string {
	id, err := s.identities.GetIdentity(ctx, site, identityID)
	if err != nil {
		log.Printf("recognition: loading identity %s/%s: %v", site, identityID, err)
	} else if id != nil && id.DisplayName != "" {
		return id.DisplayName
	}

	if s.opts.Directory != nil {
		name, err := s.opts.Directory.DisplayName(ctx, identityID)
		if err != nil {
			log.Printf("recognition: directory lookup for %s: %v", identityID, err)
		} else if name != "" {
			return name
		}
	}
	return identityID
}
