// Package attendance decides the next IN/OUT transition for an identity and
// commits it to the attendance system-of-record.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/erpnext"
	"github.com/kozaktomas/face-attendance/internal/imaging"
)

// Log types understood by the system-of-record.
const (
	LogTypeIn  = "IN"
	LogTypeOut = "OUT"
)

// ErrSystemOfRecordUnavailable is wrapped by every CommitError.
var ErrSystemOfRecordUnavailable = errors.New("attendance system-of-record unavailable")

// CommitError is returned when the attendance event could not be created.
// Timeout is set when the system-of-record did not answer in time.
type CommitError struct {
	Timeout bool
	Err     error
}

func (e *CommitError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("attendance commit timed out: %v", e.Err)
	}
	return fmt.Sprintf("attendance commit failed: %v", e.Err)
}

func (e *CommitError) Unwrap() []error {
	return []error{ErrSystemOfRecordUnavailable, e.Err}
}

// SystemOfRecord is the subset of the ERPNext client the engine needs.
type SystemOfRecord interface {
	LastCheckin(ctx context.Context, employee string) (*erpnext.Checkin, error)
	CreateCheckin(ctx context.Context, req erpnext.CheckinRequest) (string, error)
	UploadSelfie(ctx context.Context, checkinName string, jpegData []byte) (string, error)
	SetCheckinSelfie(ctx context.Context, checkinName, fileURL string) error
}

// NextLogType returns OUT after an IN and IN otherwise, including when there
// is no previous event or its log type is not recognized.
func NextLogType(last *erpnext.Checkin) string {
	if last != nil && strings.EqualFold(strings.TrimSpace(last.LogType), LogTypeIn) {
		return LogTypeOut
	}
	return LogTypeIn
}

// Commit describes one recognized attendance attempt.
type Commit struct {
	IdentityID string
	Time       time.Time
	Latitude   float64
	Longitude  float64
	DeviceID   string
	// Selfie is the raw capture. Empty skips the selfie upload.
	Selfie []byte
}

// Event is a committed attendance event.
type Event struct {
	Name      string `json:"name"`
	LogType   string `json:"log_type"`
	SelfieURL string `json:"selfie_url,omitempty"`
}

// Engine commits attendance events. It keeps no local state.
type Engine struct {
	record SystemOfRecord
	selfie imaging.SelfieOptions
	now    func() time.Time
}

// NewEngine creates an engine that writes to record and compresses selfies with opts.
func NewEngine(record SystemOfRecord, opts imaging.SelfieOptions) *Engine {
	return &Engine{record: record, selfie: opts, now: time.Now}
}

// Record looks up the identity's last event, creates the opposite one and
// attaches the selfie. Only a failed create is an error; a failed lookup is
// treated as no previous event and a failed selfie leaves SelfieURL empty.
func (e *Engine) Record(ctx context.Context, c Commit) (*Event, error) {
	last, err := e.record.LastCheckin(ctx, c.IdentityID)
	if err != nil {
		log.Printf("attendance: could not fetch last checkin for %s, assuming none: %v", c.IdentityID, err)
		last = nil
	}
	logType := NextLogType(last)

	at := c.Time
	if at.IsZero() {
		at = e.now()
	}

	name, err := e.record.CreateCheckin(ctx, erpnext.CheckinRequest{
		Employee:  c.IdentityID,
		LogType:   logType,
		Time:      at,
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		DeviceID:  c.DeviceID,
	})
	if err != nil {
		return nil, &CommitError{
			Timeout: errors.Is(err, erpnext.ErrTimeout) || errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}

	event := &Event{Name: name, LogType: logType}
	if len(c.Selfie) > 0 {
		event.SelfieURL = e.attachSelfie(ctx, name, c.Selfie)
	}
	return event, nil
}

// attachSelfie uploads the compressed selfie and links it to the checkin.
// It returns the file URL, or an empty string if any step failed.
func (e *Engine) attachSelfie(ctx context.Context, checkinName string, raw []byte) string {
	compressed, err := imaging.CompressSelfie(raw, e.selfie)
	if err != nil {
		log.Printf("attendance: selfie for %s not compressed: %v", checkinName, err)
		return ""
	}

	fileURL, err := e.record.UploadSelfie(ctx, checkinName, compressed)
	if err != nil {
		log.Printf("attendance: selfie upload for %s failed: %v", checkinName, err)
		return ""
	}

	if err := e.record.SetCheckinSelfie(ctx, checkinName, fileURL); err != nil {
		log.Printf("attendance: linking selfie to %s failed: %v", checkinName, err)
	}
	return fileURL
}
