// Package mockbackend is a stand-in for the alert backend, used for local
// runs and tests.
package mockbackend

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alertmatrix/detection-service/internal/logger"
)

const maxKeptAlerts = 100

// Alert is a received alert as the backend sees it.
type Alert struct {
	ID            string    `json:"id"`
	AlertID       string    `json:"alert_id,omitempty"` // X-Alert-ID header
	CameraID      string    `json:"camera_id"`
	Timestamp     string    `json:"timestamp"`
	Confidence    float64   `json:"confidence"`
	DetectionType string    `json:"detection_type"`
	HasImage      bool      `json:"has_image"`
	ImageURL      string    `json:"image_url,omitempty"`
	Authorized    bool      `json:"authorized"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Registration is a received camera registration.
type Registration struct {
	CameraID    string    `json:"cameraId"`
	Description string    `json:"description"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Stats summarises what the backend has seen.
type Stats struct {
	AlertsReceived int            `json:"alerts_received"`
	AlertsRejected int            `json:"alerts_rejected"`
	Registrations  int            `json:"registrations"`
	ByType         map[string]int `json:"by_type"`
}

type alertRequest struct {
	CameraID      string  `json:"camera_id"`
	Timestamp     string  `json:"timestamp"`
	Confidence    float64 `json:"confidence"`
	DetectionType string  `json:"detection_type"`
	ImageBase64   string  `json:"image_base64"`
	ImageURL      string  `json:"image_url"`
}

// Backend records alerts and registrations in memory.
type Backend struct {
	mu            sync.RWMutex
	alerts        []Alert
	registrations []Registration
	rejected      int
	received      int
	byType        map[string]int
	rejectStatus  int
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{byType: make(map[string]int)}
}

// SetRejectStatus makes every alert fail with the given status. Zero
// restores normal behaviour.
func (b *Backend) SetRejectStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectStatus = code
}

// Alerts returns a copy of the kept alerts, oldest first.
func (b *Backend) Alerts() []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Alert, len(b.alerts))
	copy(out, b.alerts)
	return out
}

// Registrations returns a copy of the received registrations.
func (b *Backend) Registrations() []Registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Registration, len(b.registrations))
	copy(out, b.registrations)
	return out
}

// Stats returns counters.
func (b *Backend) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	byType := make(map[string]int, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	return Stats{
		AlertsReceived: b.received,
		AlertsRejected: b.rejected,
		Registrations:  len(b.registrations),
		ByType:         byType,
	}
}

// Handler returns the HTTP routes.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/alert", b.handleAlert)
		r.Post("/camera/register", b.handleRegister)
		r.Route("/mock", func(r chi.Router) {
			r.Get("/alerts", b.handleListAlerts)
			r.Get("/alerts/{id}", b.handleGetAlert)
			r.Get("/stats", b.handleStats)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("MockBackend", "%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (b *Backend) handleAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.CameraID == "" || req.DetectionType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "camera_id and detection_type are required"})
		return
	}
	if req.ImageBase64 != "" && !strings.HasPrefix(req.ImageBase64, "data:image/jpeg;base64,") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "image_base64 must be a jpeg data uri"})
		return
	}

	b.mu.Lock()
	if b.rejectStatus != 0 {
		code := b.rejectStatus
		b.rejected++
		b.mu.Unlock()
		writeJSON(w, code, map[string]string{"error": "rejected"})
		return
	}
	a := Alert{
		ID:            uuid.NewString(),
		AlertID:       r.Header.Get("X-Alert-ID"),
		CameraID:      req.CameraID,
		Timestamp:     req.Timestamp,
		Confidence:    req.Confidence,
		DetectionType: req.DetectionType,
		HasImage:      req.ImageBase64 != "",
		ImageURL:      req.ImageURL,
		Authorized:    strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "),
		ReceivedAt:    time.Now(),
	}
	b.alerts = append(b.alerts, a)
	if len(b.alerts) > maxKeptAlerts {
		b.alerts = b.alerts[len(b.alerts)-maxKeptAlerts:]
	}
	b.received++
	b.byType[a.DetectionType]++
	b.mu.Unlock()

	logger.Info("MockBackend", "Alert received: %s %.2f from %s", a.DetectionType, a.Confidence, a.CameraID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": a.ID, "status": "received"})
}

func (b *Backend) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.Alerts())
}

func (b *Backend) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, a := range b.Alerts() {
		if a.ID == id || a.AlertID == id {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil || reg.CameraID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cameraId is required"})
		return
	}
	reg.ReceivedAt = time.Now()

	b.mu.Lock()
	b.registrations = append(b.registrations, reg)
	b.mu.Unlock()

	logger.Info("MockBackend", "Camera registered: %s", reg.CameraID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "cameraId": reg.CameraID})
}

func (b *Backend) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
