package recognition

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/erpnext"
	"github.com/kozaktomas/face-attendance/internal/faceindex"
)

const testDim = 4

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeExtractor struct {
	vec []float32
	err error
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	return f.vec, f.err
}

type fakeRecorder struct {
	event   *attendance.Event
	err     error
	commits []attendance.Commit
}

func (f *fakeRecorder) Record(ctx context.Context, c attendance.Commit) (*attendance.Event, error) {
	f.commits = append(f.commits, c)
	if f.err != nil {
		return nil, f.err
	}
	return f.event, nil
}

type fixture struct {
	registry   *faceindex.Registry
	identities *mock.MockIdentityWriter
	extractor  *fakeExtractor
	recorder   *fakeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := faceindex.NewFileStore(t.TempDir(), testDim)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		registry:   faceindex.NewRegistry(store),
		identities: mock.NewMockIdentityWriter(),
		extractor:  &fakeExtractor{},
		recorder:   &fakeRecorder{event: &attendance.Event{Name: "EMP-CKIN-0001", LogType: attendance.LogTypeIn}},
	}
}

func (f *fixture) service(opts Options) *Service {
	if opts.TopK == 0 {
		opts.TopK = 10
	}
	if opts.Threshold == 0 {
		opts.Threshold = 0.35
	}
	return NewService(f.registry, f.extractor, f.identities, f.recorder, opts)
}

// enroll appends vectors for an identity and records its metadata.
func (f *fixture) enroll(t *testing.T, site, id, name string, vectors ...[]float32) {
	t.Helper()
	ctx := context.Background()
	err := f.registry.Update(ctx, site, func(s *faceindex.Snapshot) error {
		slots, err := s.Append(id, vectors...)
		if err != nil {
			return err
		}
		images := make([]database.EnrollmentImage, len(slots))
		for i, slot := range slots {
			images[i] = database.EnrollmentImage{Slot: slot}
		}
		return f.identities.RecordEnrollment(ctx, site, database.Enrollment{
			IdentityID: id, DisplayName: name, Images: images,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecognize_MatchCommitsAttendance(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "site-a", "E1", "Jan Novák", []float32{1, 0, 0, 0})
	f.enroll(t, "site-a", "E2", "Eva Malá", []float32{0, 1, 0, 0})
	f.extractor.vec = []float32{1, 0, 0, 0}
	f.recorder.event.SelfieURL = "/files/selfie.jpg"

	img := testPNG(t)
	resp, err := f.service(Options{}).Recognize(context.Background(), Request{
		Site: "site-a", Image: img, Latitude: 50.1, Longitude: 14.4, DeviceID: "kiosk-1",
	})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}

	if !resp.Matched || resp.IdentityID != "E1" || resp.DisplayName != "Jan Novák" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.LogType != attendance.LogTypeIn || resp.EventID != "EMP-CKIN-0001" || resp.SelfieURL != "/files/selfie.jpg" {
		t.Errorf("attendance fields not populated: %+v", resp)
	}
	if resp.Score < 0.99 {
		t.Errorf("Score = %v, want ~1", resp.Score)
	}

	if len(f.recorder.commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(f.recorder.commits))
	}
	c := f.recorder.commits[0]
	if c.IdentityID != "E1" || c.DeviceID != "kiosk-1" || c.Latitude != 50.1 || !bytes.Equal(c.Selfie, img) {
		t.Errorf("unexpected commit: %+v", c)
	}
	if c.Time.IsZero() {
		t.Error("commit time not set")
	}
}

func TestRecognize_Unmatched(t *testing.T) {
	tests := []struct {
		name       string
		enroll     bool
		vec        []float32
		extractErr error
		wantReason string
	}{
		{"no face", true, nil, embedder.ErrNoFaceFound, ReasonNoFace},
		{"empty site", false, []float32{1, 0, 0, 0}, nil, ReasonNoEnrollments},
		{"low confidence", true, []float32{0, 0, 1, 0}, nil, ReasonLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.enroll {
				f.enroll(t, "site-a", "E1", "Jan", []float32{1, 0, 0, 0})
			}
			f.extractor.vec, f.extractor.err = tt.vec, tt.extractErr

			resp, err := f.service(Options{}).Recognize(context.Background(), Request{Site: "site-a", Image: testPNG(t)})
			if err != nil {
				t.Fatalf("Recognize: %v", err)
			}
			if resp.Matched || resp.Reason != tt.wantReason {
				t.Errorf("got matched=%v reason=%q, want reason %q", resp.Matched, resp.Reason, tt.wantReason)
			}
			if resp.IdentityID != "" {
				t.Errorf("IdentityID = %q, want empty", resp.IdentityID)
			}
			if len(f.recorder.commits) != 0 {
				t.Error("attendance must not be committed for an unmatched capture")
			}
		})
	}
}

func TestRecognize_SiteIsolation(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "site-a", "E1", "Jan", []float32{1, 0, 0, 0})
	f.extractor.vec = []float32{1, 0, 0, 0}

	resp, err := f.service(Options{}).Recognize(context.Background(), Request{Site: "site-b", Image: testPNG(t)})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if resp.Matched || resp.Reason != ReasonNoEnrollments {
		t.Errorf("expected no enrollments on site-b, got %+v", resp)
	}
}

func TestRecognize_CommitFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr string
	}{
		{"unavailable", &attendance.CommitError{Err: erpnext.ErrUnavailable}, ErrorAttendanceCommitFailed},
		{"timeout", &attendance.CommitError{Timeout: true, Err: erpnext.ErrTimeout}, ErrorSystemOfRecordTimeout},
		{"plain error", errors.New("boom"), ErrorAttendanceCommitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.enroll(t, "site-a", "E1", "Jan", []float32{1, 0, 0, 0})
			f.extractor.vec = []float32{1, 0, 0, 0}
			f.recorder.err = tt.err

			resp, err := f.service(Options{}).Recognize(context.Background(), Request{Site: "site-a", Image: testPNG(t)})
			if err != nil {
				t.Fatalf("Recognize: %v", err)
			}
			if !resp.Matched || resp.IdentityID != "E1" {
				t.Errorf("identity should still be reported: %+v", resp)
			}
			if resp.Error != tt.wantErr {
				t.Errorf("Error = %q, want %q", resp.Error, tt.wantErr)
			}
			if resp.ErrorDetail != tt.err.Error() {
				t.Errorf("ErrorDetail = %q, want %q", resp.ErrorDetail, tt.err.Error())
			}
			if resp.EventID != "" || resp.LogType != "" {
				t.Errorf("no event should be reported: %+v", resp)
			}
		})
	}
}

func TestRecognize_DisplayNameFallbacks(t *testing.T) {
	tests := []struct {
		name      string
		enrolled  string
		directory *mock.MockDisplayNamer
		getErr    error
		want      string
	}{
		{"enrolled name", "Jan Novák", &mock.MockDisplayNamer{Names: map[string]string{"E1": "Directory"}}, nil, "Jan Novák"},
		{"directory", "", &mock.MockDisplayNamer{Names: map[string]string{"E1": "Jan z HR"}}, nil, "Jan z HR"},
		{"directory error", "", &mock.MockDisplayNamer{Error: errors.New("down")}, nil, "E1"},
		{"no directory", "", nil, nil, "E1"},
		{"store error", "Jan", &mock.MockDisplayNamer{Names: map[string]string{"E1": "Jan z HR"}}, errors.New("locked"), "Jan z HR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.enroll(t, "site-a", "E1", tt.enrolled, []float32{1, 0, 0, 0})
			f.extractor.vec = []float32{1, 0, 0, 0}
			f.identities.GetError = tt.getErr

			opts := Options{}
			if tt.directory != nil {
				opts.Directory = tt.directory
			}
			resp, err := f.service(opts).Recognize(context.Background(), Request{Site: "site-a", Image: testPNG(t)})
			if err != nil {
				t.Fatalf("Recognize: %v", err)
			}
			if resp.DisplayName != tt.want {
				t.Errorf("DisplayName = %q, want %q", resp.DisplayName, tt.want)
			}
		})
	}
}

func TestRecognize_WithoutRecorder(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "site-a", "E1", "Jan", []float32{1, 0, 0, 0})
	f.extractor.vec = []float32{1, 0, 0, 0}

	svc := NewService(f.registry, f.extractor, f.identities, nil, Options{TopK: 5, Threshold: 0.35})
	resp, err := svc.Recognize(context.Background(), Request{Site: "site-a", Image: testPNG(t)})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if !resp.Matched || resp.EventID != "" || resp.Error != "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRecognize_Errors(t *testing.T) {
	tests := []struct {
		name       string
		site       string
		image      []byte
		extractErr error
		want       error
	}{
		{"invalid site", "../etc", nil, nil, ErrInvalidRequest},
		{"undecodable image", "site-a", []byte("not an image"), nil, ErrInvalidImage},
		{"extractor rejects image", "site-a", nil, embedder.ErrInvalidImage, ErrInvalidImage},
		{"extractor down", "site-a", nil, errors.New("connection refused"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.extractor.err = tt.extractErr
			img := tt.image
			if img == nil {
				img = testPNG(t)
			}

			_, err := f.service(Options{}).Recognize(context.Background(), Request{Site: tt.site, Image: img})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}
