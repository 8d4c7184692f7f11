package mockbackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAlertIsRecorded(t *testing.T) {
	b := New()
	h := b.Handler()

	rec := post(t, h, "/api/alert", `{"camera_id":"cam","timestamp":"t","confidence":0.9,"detection_type":"gun","image_base64":"data:image/jpeg;base64,AAAA"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	alerts := b.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].DetectionType != "gun" || !alerts[0].HasImage {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}
	if st := b.Stats(); st.AlertsReceived != 1 || st.ByType["gun"] != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestAlertValidation(t *testing.T) {
	h := New().Handler()
	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing type", `{"camera_id":"cam"}`, http.StatusBadRequest},
		{"bad image", `{"camera_id":"cam","detection_type":"gun","image_base64":"AAAA"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := post(t, h, "/api/alert", tt.body); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRejectMode(t *testing.T) {
	b := New()
	b.SetRejectStatus(http.StatusServiceUnavailable)
	rec := post(t, b.Handler(), "/api/alert", `{"camera_id":"cam","detection_type":"knife"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if st := b.Stats(); st.AlertsReceived != 0 || st.AlertsRejected != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRegisterAndStats(t *testing.T) {
	b := New()
	h := b.Handler()

	if rec := post(t, h, "/api/camera/register", `{"cameraId":"cam-1","description":"x"}`); rec.Code != http.StatusOK {
		t.Fatalf("register status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/mock/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var st Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Registrations != 1 {
		t.Fatalf("registrations = %d", st.Registrations)
	}
	if regs := b.Registrations(); regs[0].CameraID != "cam-1" {
		t.Fatalf("registration = %+v", regs[0])
	}
}

func TestGetAlertNotFound(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/mock/alerts/missing", nil)
	rec := httptest.NewRecorder()
	New().Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
