package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/faceindex"
)

func newSitesHandler(t *testing.T) (*SitesHandler, *mock.MockIdentityWriter) {
	t.Helper()
	store, err := faceindex.NewFileStore(t.TempDir(), 2)
	if err != nil {
		t.Fatal(err)
	}
	registry := faceindex.NewRegistry(store)
	identities := mock.NewMockIdentityWriter()

	ctx := context.Background()
	err = registry.Update(ctx, "site-a", func(s *faceindex.Snapshot) error {
		slots, err := s.Append("E1", []float32{1, 0}, []float32{0, 1})
		if err != nil {
			return err
		}
		return identities.RecordEnrollment(ctx, "site-a", database.Enrollment{
			IdentityID:  "E1",
			DisplayName: "Jan Novák",
			Images:      []database.EnrollmentImage{{Slot: slots[0]}, {Slot: slots[1]}},
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewSitesHandler(registry, identities), identities
}

func TestSitesHandler_Stats(t *testing.T) {
	handler, _ := newSitesHandler(t)

	req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/sites/site-a/stats", nil), map[string]string{"site": "site-a"})
	recorder := httptest.NewRecorder()

	handler.Stats(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var stats faceindex.SiteStats
	parseJSONResponse(t, recorder, &stats)
	if stats.Site != "site-a" || stats.Vectors != 2 || stats.Identities != 1 || stats.PerIdentity["E1"] != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSitesHandler_Stats_UnknownSiteIsEmpty(t *testing.T) {
	handler, _ := newSitesHandler(t)

	req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/sites/site-b/stats", nil), map[string]string{"site": "site-b"})
	recorder := httptest.NewRecorder()

	handler.Stats(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var stats faceindex.SiteStats
	parseJSONResponse(t, recorder, &stats)
	if stats.Vectors != 0 || stats.Identities != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestSitesHandler_InvalidSite(t *testing.T) {
	handler, _ := newSitesHandler(t)

	for _, fn := range []http.HandlerFunc{handler.Stats, handler.Identities} {
		req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/sites/x/stats", nil), map[string]string{"site": ".."})
		recorder := httptest.NewRecorder()

		fn(recorder, req)

		assertStatusCode(t, recorder, http.StatusBadRequest)
	}
}

func TestSitesHandler_Identities(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantIDs []string
	}{
		{"all", "", []string{"E1"}},
		{"by normalized name", "?name=jan%20novak", []string{"E1"}},
		{"no match", "?name=eva", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newSitesHandler(t)
			req := requestWithChiParams(
				httptest.NewRequest("GET", "/api/v1/sites/site-a/identities"+tt.query, nil),
				map[string]string{"site": "site-a"},
			)
			recorder := httptest.NewRecorder()

			handler.Identities(recorder, req)

			assertStatusCode(t, recorder, http.StatusOK)
			var got []database.Identity
			parseJSONResponse(t, recorder, &got)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("expected %d identities, got %d", len(tt.wantIDs), len(got))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("identity %d = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestSitesHandler_Identities_StoreError(t *testing.T) {
	handler, identities := newSitesHandler(t)
	identities.ListError = errors.New("database is locked")

	req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/sites/site-a/identities", nil), map[string]string{"site": "site-a"})
	recorder := httptest.NewRecorder()

	handler.Identities(recorder, req)

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "failed to list identities")
}
