package screen

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/lavisapp/lavis/faults"
)

// thumbnailMaxWidth bounds downscaled frames sent on the fast path.
const thumbnailMaxWidth = 960

// Sizer reports the logical size of the primary display. The actuator
// driver satisfies this.
type Sizer interface {
	ScreenSize(ctx context.Context) (width, height int, err error)
}

// Frame is one captured screen image plus its size metadata. The payload
// stays base64-encoded; nothing downstream retains raw pixels.
type Frame struct {
	B64           string
	MIME          string
	PixelWidth    int
	PixelHeight   int
	LogicalWidth  int
	LogicalHeight int
	Scale         float64
}

// Source captures and prepares frames for the model.
type Source struct {
	grabber Grabber
	sizer   Sizer
	logger  *zap.Logger
}

// New creates a screen source. sizer may be nil, in which case logical
// size equals pixel size and scale is 1.
func New(grabber Grabber, sizer Sizer, logger *zap.Logger) *Source {
	return &Source{grabber: grabber, sizer: sizer, logger: logger.Named("screen")}
}

// Capture grabs one frame. Failures are classified actuator faults, never
// panics, so the decision loop can fold them into a post-mortem.
func (s *Source) Capture(ctx context.Context) (Frame, error) {
	return s.capture(ctx, false)
}

// CaptureAsBase64 grabs one frame, optionally downscaled to thumbnail
// size.
func (s *Source) CaptureAsBase64(ctx context.Context, thumbnail bool) (Frame, error) {
	return s.capture(ctx, thumbnail)
}

func (s *Source) capture(ctx context.Context, thumbnail bool) (Frame, error) {
	data, err := s.grabber.CapturePNG(ctx)
	if err != nil {
		return Frame{}, err
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, faults.NewActuatorError(faults.ActuatorOSFailure, "decode captured frame", err)
	}

	frame := Frame{
		MIME:          "image/png",
		PixelWidth:    cfg.Width,
		PixelHeight:   cfg.Height,
		LogicalWidth:  cfg.Width,
		LogicalHeight: cfg.Height,
		Scale:         1,
	}

	if s.sizer != nil {
		if lw, lh, sizeErr := s.sizer.ScreenSize(ctx); sizeErr == nil && lw > 0 {
			frame.LogicalWidth, frame.LogicalHeight = lw, lh
			frame.Scale = float64(cfg.Width) / float64(lw)
		} else if sizeErr != nil {
			s.logger.Debug("logical screen size unavailable", zap.Error(sizeErr))
		}
	}

	if thumbnail && cfg.Width > thumbnailMaxWidth {
		data, err = downscalePNG(data, thumbnailMaxWidth)
		if err != nil {
			return Frame{}, faults.NewActuatorError(faults.ActuatorOSFailure, "downscale frame", err)
		}
	}

	frame.B64 = base64.StdEncoding.EncodeToString(data)
	return frame, nil
}

// downscalePNG resizes a PNG to maxWidth preserving aspect ratio.
func downscalePNG(data []byte, maxWidth int) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	width := bounds.Dx()
	if width <= maxWidth {
		return data, nil
	}
	height := bounds.Dy() * maxWidth / width

	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
