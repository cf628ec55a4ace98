package erpnext

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func setupMockERPServer(t *testing.T, handlers map[string]http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	// Keys are "METHOD /decoded/path"; doctype names contain spaces.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, ok := handlers[r.Method+" "+r.URL.Path]
		if !ok {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, "key", "secret", 2*time.Second)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return server, client
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNewClient_Validation(t *testing.T) {
	for _, u := range []string{"", "ftp://erp", "://bad"} {
		if _, err := NewClient(u, "k", "s", 0); err == nil {
			t.Errorf("NewClient(%q): expected error", u)
		}
	}
}

func TestLastCheckin_FetchesFullDocument(t *testing.T) {
	_, client := setupMockERPServer(t, map[string]http.HandlerFunc{
		"GET /api/resource/Employee Checkin": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "token key:secret" {
				t.Errorf("Authorization = %q", got)
			}
			if got := r.URL.Query().Get("filters"); got != `[["employee","=","E1"]]` {
				t.Errorf("filters = %q", got)
			}
			if got := r.URL.Query().Get("order_by"); got != "time desc" {
				t.Errorf("order_by = %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{{"name": "CHK-0001", "employee": "E1"}},
			})
		},
		"GET /api/resource/Employee Checkin/CHK-0001": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"name": "CHK-0001", "employee": "E1", "log_type": "IN", "time": "2026-10-15 08:00:00"},
			})
		},
	})

	last, err := client.LastCheckin(context.Background(), "E1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last == nil || last.LogType != "IN" || last.Name != "CHK-0001" {
		t.Errorf("unexpected checkin: %+v", last)
	}
}

func TestLastCheckin_FallsBackToListRow(t *testing.T) {
	_, client := setupMockERPServer(t, map[string]http.HandlerFunc{
		"GET /api/resource/Employee Checkin": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{{"name": "CHK-0002", "log type": "OUT"}},
			})
		},
		"GET /api/resource/Employee Checkin/CHK-0002": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, map[string]string{"exc": "denied"})
		},
	})

	last, err := client.LastCheckin(context.Background(), "E1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last == nil || last.LogType != "OUT" {
		t.Errorf("unexpected checkin: %+v", last)
	}
}

func TestLastCheckin_None(t *testing.T) {
	_, client := setupMockERPServer(t, map[string]http.HandlerFunc{
		"GET /api/resource/Employee Checkin": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
		},
	})

	last, err := client.LastCheckin(context.Background(), "E1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != nil {
		t.Errorf("expected nil, got %+v", last)
	}
}

func TestCreateCheckin(t *testing.T) {
	var got createCheckinPayload
	_, client := setupMockERPServer(t, map[string]http.HandlerFunc{
		"POST /api/resource/Employee Checkin": func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode body: %v", err)
			}
			writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"name": "CHK-0003"}})
		},
	})

	name, err := client.CreateCheckin(context.Background(), CheckinRequest{
		Employee:  "E1",
		LogType:   "IN",
		Time:      time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC),
		Latitude:  50.08,
		Longitude: 14.42,
		DeviceID:  "kiosk-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "CHK-0003" {
		t.Errorf("name = %q, want CHK-0003", name)
	}
	if got.Time != "2026-10-15 08:30:00" || got.LogType != "IN" || got.DeviceID != "kiosk-1" {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestCreateCheckin_ServerError(t *testing.T) {
	_, client := setupMockERPServer(t, map[string]http.HandlerFunc{
		"POST /api/resource/Employee Checkin": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"exc": "boom"})
		},
	})

	_, err := client.CreateCheckin(context.Background(), CheckinRequest{Employee: "E1", LogType: "IN"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("expected StatusError 500, got %v", err)
	}
}

func TestCreateCheckin_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(server.URL, "k", "s", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.CreateCheckin(context.Background(), CheckinRequest{Employee: "E1", LogType: "IN"})
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrUnavailable and ErrTimeout, got %v", err)
	}
}

func TestCreateCheckin_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	client, err := NewClient(addr, "k", "s", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.CreateCheckin(context.Background(), CheckinRequest{Employee: "E1", LogType: "IN"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestUploadSelfieAndSetURL(t *testing.T) {
	jpegData := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	var updated map[string]string
	_, client := setupMockERPServer(t, map[string]http.HandlerFunc{
		"POST /api/resource/File": func(w http.ResponseWriter, r *http.Request) {
			var p uploadFilePayload
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if p.AttachedToName != "CHK-0004" || p.FileName != "selfie_CHK-0004.jpg" || !p.Decode || p.IsPrivate != 1 {
				t.Errorf("unexpected payload: %+v", p)
			}
			if p.Content != base64.StdEncoding.EncodeToString(jpegData) {
				t.Errorf("content not base64 of the JPEG")
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"file_url": "/private/files/selfie_CHK-0004.jpg"}})
		},
		"PUT /api/resource/Employee Checkin/CHK-0004": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&updated)
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"name": "CHK-0004"}})
		},
	})

	ctx := context.Background()
	fileURL, err := client.UploadSelfie(ctx, "CHK-0004", jpegData)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if fileURL != "/private/files/selfie_CHK-0004.jpg" {
		t.Errorf("fileURL = %q", fileURL)
	}

	if err := client.SetCheckinSelfie(ctx, "CHK-0004", fileURL); err != nil {
		t.Fatalf("set selfie: %v", err)
	}
	if updated["selfie"] != fileURL {
		t.Errorf("selfie field = %q, want %q", updated["selfie"], fileURL)
	}
}

func TestIsNotFoundError(t *testing.T) {
	if !IsNotFoundError(&StatusError{Code: http.StatusNotFound}) {
		t.Error("expected 404 to be not found")
	}
	if IsNotFoundError(&StatusError{Code: http.StatusInternalServerError}) {
		t.Error("500 is not a not found error")
	}
	if IsNotFoundError(nil) {
		t.Error("nil is not a not found error")
	}
}
