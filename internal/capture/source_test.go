package capture

import (
	"context"
	"errors"
	"image"
	"reflect"
	"testing"

	"github.com/alertmatrix/detection-service/pkg/types"
)

type fakeDevice struct {
	index  int
	reads  int
	failAt int // read number that fails; 0 = never
	closed bool
}

func (d *fakeDevice) Read() (*image.RGBA, error) {
	d.reads++
	if d.failAt > 0 && d.reads >= d.failAt {
		return nil, errors.New("grab failed")
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// fakeOpener opens only the indices marked available and records every attempt.
type fakeOpener struct {
	available map[int]bool
	failAt    map[int]int
	attempts  []int
	devices   []*fakeDevice
	hints     types.CaptureHints
}

func (o *fakeOpener) Open(index int, hints types.CaptureHints) (Device, error) {
	o.attempts = append(o.attempts, index)
	o.hints = hints
	if !o.available[index] {
		return nil, errors.New("no such device")
	}
	d := &fakeDevice{index: index, failAt: o.failAt[index]}
	o.devices = append(o.devices, d)
	return d, nil
}

func TestOpenPrefersConfiguredIndex(t *testing.T) {
	opener := &fakeOpener{available: map[int]bool{0: true, 2: true}}
	src := NewSource(opener, Config{PreferredIndex: 0, FallbackIndices: []int{0, 1, 2}})

	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !reflect.DeepEqual(opener.attempts, []int{0}) {
		t.Fatalf("attempts = %v, want [0]", opener.attempts)
	}
	if st := src.Stats(); !st.Active || st.Index != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestOpenAppliesHints(t *testing.T) {
	opener := &fakeOpener{available: map[int]bool{0: true}}
	hints := types.CaptureHints{Width: 640, Height: 480, FPS: 30}
	src := NewSource(opener, Config{Hints: hints})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opener.hints != hints {
		t.Fatalf("hints = %+v, want %+v", opener.hints, hints)
	}
}

func TestOpenFallsBackAndRemembersIndex(t *testing.T) {
	opener := &fakeOpener{
		available: map[int]bool{2: true},
		failAt:    map[int]int{2: 2}, // second read on the first device fails
	}
	src := NewSource(opener, Config{
		PreferredIndex:    0,
		FallbackIndices:   []int{0, 1, 2},
		ReconnectAttempts: 1,
	})

	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !reflect.DeepEqual(opener.attempts, []int{0, 1, 2}) {
		t.Fatalf("attempts = %v, want [0 1 2]", opener.attempts)
	}
	if got := src.Stats().Index; got != 2 {
		t.Fatalf("preferred index = %d, want 2", got)
	}

	if _, err := src.Read(context.Background()); err != nil {
		t.Fatalf("first read: %v", err)
	}

	// Second read fails, the reconnect must start from index 2, not 0.
	opener.attempts = nil
	opener.failAt = nil
	if _, err := src.Read(context.Background()); err != nil {
		t.Fatalf("read after reconnect: %v", err)
	}
	if len(opener.attempts) == 0 || opener.attempts[0] != 2 {
		t.Fatalf("reconnect attempts = %v, want first attempt on index 2", opener.attempts)
	}
	if !opener.devices[0].closed {
		t.Fatalf("failed device was not closed")
	}
	if st := src.Stats(); st.Reconnects != 1 || st.FramesRead != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestOpenNoDevice(t *testing.T) {
	opener := &fakeOpener{available: map[int]bool{}}
	src := NewSource(opener, Config{PreferredIndex: 1, FallbackIndices: []int{0, 1, 2}})

	err := src.Open(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if !reflect.DeepEqual(opener.attempts, []int{1, 0, 2}) {
		t.Fatalf("attempts = %v, want [1 0 2]", opener.attempts)
	}
	if src.Stats().Active {
		t.Fatalf("source should be inactive")
	}
}

func TestReadSurfacesReadErrorWhenReconnectFails(t *testing.T) {
	opener := &fakeOpener{
		available: map[int]bool{0: true},
		failAt:    map[int]int{0: 1},
	}
	src := NewSource(opener, Config{ReconnectAttempts: 2})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	opener.available = map[int]bool{}
	_, err := src.Read(context.Background())
	if !errors.Is(err, ErrReadError) {
		t.Fatalf("err = %v, want ErrReadError", err)
	}
	if got := src.Stats().Reconnects; got != 2 {
		t.Fatalf("reconnects = %d, want 2", got)
	}
	if src.Stats().Active {
		t.Fatalf("source should be inactive after failed reconnect")
	}
}

func TestReadStopsOnCancelledContext(t *testing.T) {
	opener := &fakeOpener{available: map[int]bool{}}
	src := NewSource(opener, Config{ReconnectDelay: 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTestPatternOpener(t *testing.T) {
	dev, err := TestPatternOpener{}.Open(0, types.CaptureHints{Width: 64, Height: 48})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, err := dev.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if first.Bounds().Dx() != 64 || first.Bounds().Dy() != 48 {
		t.Fatalf("bounds = %v", first.Bounds())
	}
	_ = dev.Close()
	if _, err := dev.Read(); err == nil {
		t.Fatalf("expected error after close")
	}
}
