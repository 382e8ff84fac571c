package screen

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/faults"
)

type fakeGrabber struct {
	data []byte
	err  error
}

func (g *fakeGrabber) CapturePNG(ctx context.Context) ([]byte, error) {
	return g.data, g.err
}

type fakeSizer struct {
	w, h int
	err  error
}

func (s *fakeSizer) ScreenSize(ctx context.Context) (int, int, error) {
	return s.w, s.h, s.err
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x += 10 {
		img.Set(x, 0, color.White)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestCaptureReportsScale(t *testing.T) {
	grabber := &fakeGrabber{data: encodePNG(t, 2880, 1800)}
	source := New(grabber, &fakeSizer{w: 1440, h: 900}, zap.NewNop())

	frame, err := source.Capture(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.LogicalWidth != 1440 || frame.LogicalHeight != 900 {
		t.Errorf("logical size = %dx%d, want 1440x900", frame.LogicalWidth, frame.LogicalHeight)
	}
	if frame.Scale != 2 {
		t.Errorf("scale = %v, want 2", frame.Scale)
	}
	if frame.B64 == "" || frame.MIME != "image/png" {
		t.Errorf("frame payload missing: mime=%q", frame.MIME)
	}
}

func TestCaptureWithoutSizerDefaultsToPixelSize(t *testing.T) {
	grabber := &fakeGrabber{data: encodePNG(t, 800, 600)}
	source := New(grabber, nil, zap.NewNop())

	frame, err := source.Capture(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.LogicalWidth != 800 || frame.Scale != 1 {
		t.Errorf("frame = %+v, want logical 800 and scale 1", frame)
	}
}

func TestThumbnailDownscales(t *testing.T) {
	grabber := &fakeGrabber{data: encodePNG(t, 1920, 1080)}
	source := New(grabber, nil, zap.NewNop())

	frame, err := source.CaptureAsBase64(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(frame.B64)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(decoded))
	if err != nil {
		t.Fatalf("payload is not PNG: %v", err)
	}
	if cfg.Width != 960 || cfg.Height != 540 {
		t.Errorf("thumbnail = %dx%d, want 960x540", cfg.Width, cfg.Height)
	}
	// Metadata still describes the full capture.
	if frame.PixelWidth != 1920 {
		t.Errorf("PixelWidth = %d, want 1920", frame.PixelWidth)
	}
}

func TestThumbnailSkipsSmallFrames(t *testing.T) {
	original := encodePNG(t, 640, 480)
	source := New(&fakeGrabber{data: original}, nil, zap.NewNop())

	frame, err := source.CaptureAsBase64(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.B64 != base64.StdEncoding.EncodeToString(original) {
		t.Error("small frame should pass through untouched")
	}
}

func TestPermissionFailurePropagatesCategory(t *testing.T) {
	grabber := &fakeGrabber{err: faults.NewActuatorError(faults.ActuatorPermission, "no screen recording", nil)}
	source := New(grabber, nil, zap.NewNop())

	_, err := source.Capture(context.Background())
	ae, ok := faults.AsActuatorError(err)
	if !ok || ae.Category != faults.ActuatorPermission {
		t.Fatalf("expected PERMISSION category, got %v", err)
	}
}

func TestGarbageFrameIsOSFailure(t *testing.T) {
	source := New(&fakeGrabber{data: []byte("not a png")}, nil, zap.NewNop())

	_, err := source.Capture(context.Background())
	ae, ok := faults.AsActuatorError(err)
	if !ok || ae.Category != faults.ActuatorOSFailure {
		t.Fatalf("expected OS_FAILURE category, got %v", err)
	}
}
