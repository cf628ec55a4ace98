// Package enrollment turns batches of face images into indexed vectors and
// identity metadata for one site.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/faceindex"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidRequest is returned for requests that cannot be enrolled at all.
	ErrInvalidRequest = errors.New("invalid enrollment request")
	// ErrExtractorUnavailable is returned when the embedding service failed for
	// every image it was asked about.
	ErrExtractorUnavailable = errors.New("embedding service unavailable")
)

// Per-image rejection reasons.
const (
	ReasonOverLimit        = "over_limit"
	ReasonInvalidImage     = "invalid_image"
	ReasonNoFace           = "no_face"
	ReasonBadEmbedding     = "bad_embedding"
	ReasonExtractionFailed = "extraction_failed"
)

// Request is one enrollment call.
type Request struct {
	Site        string
	IdentityID  string
	DisplayName string
	Images      [][]byte
}

// Failure describes a rejected image.
type Failure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result reports how many images were enrolled.
type Result struct {
	IdentityID string    `json:"identity_id"`
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	Slots      []int     `json:"slots,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Options configures a Service.
type Options struct {
	// MaxImagesPerIdentity caps the images taken from one request; 0 disables it.
	MaxImagesPerIdentity int
	// Workers bounds concurrent embedding extraction.
	Workers int
	// Archive keeps original images; nil disables archiving.
	Archive *Archive
}

// Service enrolls identities.
type Service struct {
	registry   *faceindex.Registry
	extractor  embedder.Extractor
	identities database.IdentityWriter
	opts       Options
}

// NewService creates an enrollment service.
func NewService(registry *faceindex.Registry, extractor embedder.Extractor, identities database.IdentityWriter, opts Options) *Service {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Service{
		registry:   registry,
		extractor:  extractor,
		identities: identities,
		opts:       opts,
	}
}

func validateIdentityID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty identity id", ErrInvalidRequest)
	case len(id) > 255:
		return fmt.Errorf("%w: identity id too long", ErrInvalidRequest)
	case strings.ContainsAny(id, `/\`) || id == "." || id == "..":
		return fmt.Errorf("%w: identity id %q contains path characters", ErrInvalidRequest, id)
	}
	return nil
}

// extracted is the outcome for one image.
type extracted struct {
	vector []float32
	format string
	reason string
}

// Enroll extracts one embedding per image and appends all accepted vectors for
// the identity in a single persisted update. Images that fail are counted as
// rejected and do not affect the others.
func (s *Service) Enroll(ctx context.Context, req Request) (*Result, error) {
	if err := faceindex.ValidateSite(req.Site); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := validateIdentityID(req.IdentityID); err != nil {
		return nil, err
	}

	outcomes, err := s.extractAll(ctx, req.Images)
	if err != nil {
		return nil, err
	}

	if extractorDown(outcomes) {
		return nil, fmt.Errorf("%w: no image of %s/%s could be processed", ErrExtractorUnavailable, req.Site, req.IdentityID)
	}

	result := &Result{IdentityID: req.IdentityID}
	var (
		vectors []vectorAt
		archive []archivedImage
	)
	for i, o := range outcomes {
		if o.reason != "" {
			result.Rejected++
			result.Failures = append(result.Failures, Failure{Index: i, Reason: o.reason})
			continue
		}
		vectors = append(vectors, vectorAt{index: i, vector: o.vector})
		archive = append(archive, archivedImage{index: i, data: req.Images[i], format: o.format})
	}
	if len(vectors) == 0 {
		return result, nil
	}

	fileNames, err := s.opts.Archive.Store(req.Site, req.IdentityID, archive)
	if err != nil {
		log.Printf("enrollment: %s/%s: %v", req.Site, req.IdentityID, err)
		fileNames = nil
	}

	slots, err := s.commit(ctx, req, vectors, fileNames)
	if err != nil {
		s.opts.Archive.Remove(req.Site, req.IdentityID, fileNames)
		return nil, err
	}

	result.Accepted = len(slots)
	result.Slots = slots
	log.Printf("enrollment: %s/%s accepted %d, rejected %d", req.Site, req.IdentityID, result.Accepted, result.Rejected)
	return result, nil
}

// extractorDown reports whether every image sent to the extractor failed
// with a service error rather than an image problem.
func extractorDown(outcomes []extracted) bool {
	attempted := 0
	for _, o := range outcomes {
		switch o.reason {
		case ReasonOverLimit, ReasonInvalidImage:
			continue
		case ReasonExtractionFailed:
			attempted++
		default:
			return false
		}
	}
	return attempted > 0
}

type vectorAt struct {
	index  int
	vector []float32
}

// commit appends the vectors and records their metadata inside one site update.
// Metadata left for slots the snapshot never persisted is dropped first. If the
// snapshot save fails after the metadata was written, the metadata is reverted.
func (s *Service) commit(ctx context.Context, req Request, vectors []vectorAt, fileNames map[int]string) ([]int, error) {
	var recorded []int
	err := s.registry.Update(ctx, req.Site, func(snap *faceindex.Snapshot) error {
		removed, err := s.identities.ReconcileSlots(ctx, req.Site, snap.Len())
		if err != nil {
			return fmt.Errorf("reconciling metadata: %w", err)
		}
		if removed > 0 {
			log.Printf("enrollment: %s: dropped metadata for %d unpersisted slots", req.Site, removed)
		}

		raw := make([][]float32, len(vectors))
		for i, v := range vectors {
			raw[i] = v.vector
		}
		slots, err := snap.Append(req.IdentityID, raw...)
		if err != nil {
			return fmt.Errorf("appending vectors: %w", err)
		}

		now := time.Now().UTC()
		images := make([]database.EnrollmentImage, len(slots))
		for i, slot := range slots {
			images[i] = database.EnrollmentImage{
				Slot:      slot,
				FileName:  fileNames[vectors[i].index],
				CreatedAt: now,
			}
		}
		if err := s.identities.RecordEnrollment(ctx, req.Site, database.Enrollment{
			IdentityID:  req.IdentityID,
			DisplayName: req.DisplayName,
			Images:      images,
		}); err != nil {
			return fmt.Errorf("recording enrollment: %w", err)
		}
		recorded = slots
		return nil
	})
	if err == nil {
		return recorded, nil
	}

	if recorded != nil {
		// The update failed after metadata was committed, so only the save can have failed.
		if rerr := s.identities.RevertEnrollment(context.WithoutCancel(ctx), req.Site, req.IdentityID, recorded); rerr != nil {
			log.Printf("enrollment: %s/%s: reverting metadata for slots %v failed: %v",
				req.Site, req.IdentityID, recorded, rerr)
		}
	}
	return nil, err
}

// extractAll runs extraction concurrently. Only context cancellation is
// returned as an error; every other failure is recorded per image.
func (s *Service) extractAll(ctx context.Context, images [][]byte) ([]extracted, error) {
	outcomes := make([]extracted, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, data := range images {
		if s.opts.MaxImagesPerIdentity > 0 && i >= s.opts.MaxImagesPerIdentity {
			outcomes[i] = extracted{reason: ReasonOverLimit}
			continue
		}
		g.Go(func() error {
			out, err := s.extractOne(gctx, data)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (s *Service) extractOne(ctx context.Context, data []byte) (extracted, error) {
	format, err := imaging.Validate(data)
	if err != nil {
		return extracted{reason: ReasonInvalidImage}, nil
	}

	vec, err := s.extractor.Extract(ctx, data)
	switch {
	case err == nil:
		return extracted{vector: vec, format: format}, nil
	case ctx.Err() != nil:
		return extracted{}, ctx.Err()
	case errors.Is(err, embedder.ErrNoFaceFound):
		return extracted{reason: ReasonNoFace}, nil
	case errors.Is(err, embedder.ErrInvalidImage):
		return extracted{reason: ReasonInvalidImage}, nil
	case errors.Is(err, embedder.ErrBadEmbedding):
		return extracted{reason: ReasonBadEmbedding}, nil
	default:
		log.Printf("enrollment: extraction failed: %v", err)
		return extracted{reason: ReasonExtractionFailed}, nil
	}
}
