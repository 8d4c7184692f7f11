package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/pkg/types"
)

var (
	// ErrDeviceUnavailable means no candidate index could be opened.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrReadError is a transient frame read failure.
	ErrReadError = errors.New("camera read failed")
	// ErrRetryBudgetExhausted is returned once consecutive read errors exceed the budget.
	ErrRetryBudgetExhausted = errors.New("camera read retry budget exhausted")
)

// Device is an open capture handle.
type Device interface {
	Read() (*image.RGBA, error)
	Close() error
}

// Opener opens a capture device by index, applying best-effort hints.
type Opener interface {
	Open(index int, hints types.CaptureHints) (Device, error)
}

// Config controls device selection and reconnect behavior.
type Config struct {
	PreferredIndex    int
	FallbackIndices   []int
	Hints             types.CaptureHints
	ReconnectDelay    time.Duration
	ReconnectAttempts int
}

// Stats is a point-in-time view of the source.
type Stats struct {
	Active     bool
	Index      int
	FramesRead uint64
	Reconnects uint64
}

// Source owns a capture device and hides fallback and reconnect handling
// from the producer loop.
type Source struct {
	opener Opener
	cfg    Config

	// mu serializes device access. Stats readers use the atomics below
	// so they never wait behind a blocking read or reconnect delay.
	mu        sync.Mutex
	dev       Device
	preferred int

	active     atomic.Bool
	index      atomic.Int64
	seq        atomic.Uint64
	reconnects atomic.Uint64
}

// NewSource creates a Source. No device is opened until Open or Read.
func NewSource(opener Opener, cfg Config) *Source {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 1
	}
	s := &Source{
		opener:    opener,
		cfg:       cfg,
		preferred: cfg.PreferredIndex,
	}
	s.index.Store(int64(cfg.PreferredIndex))
	return s
}

// Open tries the preferred index, then each fallback in order. The index
// that works becomes the preferred index for later reconnects.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Source) candidates() []int {
	seen := map[int]bool{s.preferred: true}
	out := []int{s.preferred}
	for _, idx := range s.cfg.FallbackIndices {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}

func (s *Source) openLocked(ctx context.Context) error {
	if s.dev != nil {
		_ = s.dev.Close()
		s.dev = nil
	}
	s.active.Store(false)

	candidates := s.candidates()
	for _, idx := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		dev, err := s.opener.Open(idx, s.cfg.Hints)
		if err != nil {
			logger.Warn("Capture", "Camera index %d unavailable: %v", idx, err)
			continue
		}
		if idx != s.preferred {
			logger.Info("Capture", "Switched preferred camera index %d -> %d", s.preferred, idx)
		}
		s.dev = dev
		s.preferred = idx
		s.index.Store(int64(idx))
		s.active.Store(true)
		logger.Info("Capture", "Camera opened on index %d", idx)
		return nil
	}

	return fmt.Errorf("%w: tried indices %v", ErrDeviceUnavailable, candidates)
}

// Read returns the next frame. A failed read closes the device and
// reconnects (with a fixed delay between attempts) before giving up with
// ErrReadError.
func (s *Source) Read(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		if err := s.reconnectLocked(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadError, err)
		}
	}

	img, err := s.dev.Read()
	if err == nil {
		return s.frameLocked(img), nil
	}
	logger.Warn("Capture", "Frame read failed on index %d: %v", s.preferred, err)

	if err := s.reconnectLocked(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadError, err)
	}
	img, err = s.dev.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: after reconnect: %w", ErrReadError, err)
	}
	return s.frameLocked(img), nil
}

func (s *Source) frameLocked(img *image.RGBA) *types.Frame {
	return types.NewFrame(img, s.seq.Add(1), time.Now())
}

func (s *Source) reconnectLocked(ctx context.Context) error {
	if s.dev != nil {
		_ = s.dev.Close()
		s.dev = nil
	}
	s.active.Store(false)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		if err := Sleep(ctx, s.cfg.ReconnectDelay); err != nil {
			return err
		}
		s.reconnects.Add(1)
		logger.Info("Capture", "Reconnecting camera (attempt %d/%d, preferred index %d)",
			attempt, s.cfg.ReconnectAttempts, s.preferred)
		if lastErr = s.openLocked(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Stats returns the current source state.
func (s *Source) Stats() Stats {
	return Stats{
		Active:     s.active.Load(),
		Index:      int(s.index.Load()),
		FramesRead: s.seq.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

// Close releases the device.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Store(false)
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
