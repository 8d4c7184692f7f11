package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNetwork means the backend could not be reached (connect failure, timeout).
	ErrNetwork = errors.New("alert backend unreachable")
	// ErrBackendRejected means the backend answered with a non-2xx status.
	ErrBackendRejected = errors.New("alert rejected by backend")
)

const registerDescription = "Auto-registered from detection service"

// RejectedError carries the status code of a rejected request.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", ErrBackendRejected, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrBackendRejected, e.StatusCode, e.Body)
}

func (e *RejectedError) Unwrap() error { return ErrBackendRejected }

// Sender delivers one alert.
type Sender interface {
	Send(ctx context.Context, e Event) error
}

// Dispatcher talks to the alert backend over HTTP.
type Dispatcher struct {
	baseURL string
	client  *http.Client
	signer  *TokenSigner
}

// NewDispatcher creates a dispatcher. signer may be nil.
func NewDispatcher(baseURL string, timeout time.Duration, signer *TokenSigner) *Dispatcher {
	return &Dispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		signer:  signer,
	}
}

// Send posts the event to /api/alert.
func (d *Dispatcher) Send(ctx context.Context, e Event) error {
	return d.post(ctx, "/api/alert", e.CameraID, e.ID, e.Payload())
}

// Register announces the camera to the backend. Failures are not fatal to
// the caller.
func (d *Dispatcher) Register(ctx context.Context, cameraID string) error {
	req := RegisterRequest{CameraID: cameraID, Description: registerDescription}
	return d.post(ctx, "/api/camera/register", cameraID, "", req)
}

func (d *Dispatcher) post(ctx context.Context, path, cameraID, alertID string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if alertID != "" {
		req.Header.Set("X-Alert-ID", alertID)
	}
	if d.signer != nil {
		token, err := d.signer.Sign(cameraID)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
