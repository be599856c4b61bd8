package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"

	"github.com/studiolens/visionchat/types"
)

// Encoding defaults. Every frame is rendered into a fixed-size canvas so
// downstream encoding behaves consistently regardless of the native source
// resolution.
const (
	DefaultTargetWidth  = 640
	DefaultTargetHeight = 480

	// DefaultQuality is the primary JPEG quality level.
	DefaultQuality = 60
	// DefaultFallbackQuality is the single fallback step used when the
	// primary encoding exceeds the payload budget.
	DefaultFallbackQuality = 50

	// DefaultMaxPayloadBytes caps the encoded byte size of a frame.
	DefaultMaxPayloadBytes = 500 * 1024
)

// EncoderConfig configures frame encoding.
type EncoderConfig struct {
	// TargetWidth and TargetHeight are the fixed canvas dimensions.
	TargetWidth  int
	TargetHeight int

	// Quality is the primary JPEG quality (1-100).
	Quality int

	// FallbackQuality is used for the single re-encode when the primary
	// encoding exceeds MaxPayloadBytes.
	FallbackQuality int

	// MaxPayloadBytes is the encoded-size budget. The budget is best
	// effort: the fallback encoding is emitted even if it is still over.
	MaxPayloadBytes int
}

func (c *EncoderConfig) defaults() {
	if c.TargetWidth == 0 {
		c.TargetWidth = DefaultTargetWidth
	}
	if c.TargetHeight == 0 {
		c.TargetHeight = DefaultTargetHeight
	}
	if c.Quality == 0 {
		c.Quality = DefaultQuality
	}
	if c.FallbackQuality == 0 {
		c.FallbackQuality = DefaultFallbackQuality
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
}

// Encoder renders source images onto the fixed canvas and encodes them as
// JPEG with at most one quality fallback step.
type Encoder struct {
	cfg EncoderConfig
}

// NewEncoder creates an encoder. Zero config fields take defaults.
func NewEncoder(cfg EncoderConfig) *Encoder {
	cfg.defaults()
	return &Encoder{cfg: cfg}
}

// Encode renders src into the target canvas, encodes it at the primary
// quality, re-encodes once at the fallback quality if the result exceeds
// the budget, and returns the payload in its text-safe base64 form.
func (e *Encoder) Encode(src image.Image, capturedAt time.Time) (*types.Frame, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, e.cfg.TargetWidth, e.cfg.TargetHeight))
	draw.CatmullRom.Scale(canvas, canvas.Bounds(), src, src.Bounds(), draw.Over, nil)

	quality := e.cfg.Quality
	encoded, err := encodeJPEG(canvas, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	if len(encoded) > e.cfg.MaxPayloadBytes {
		// Exactly one fallback step, never an iterative search. The budget
		// is best effort, so the fallback result is kept unconditionally.
		quality = e.cfg.FallbackQuality
		encoded, err = encodeJPEG(canvas, quality)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fallback frame: %w", err)
		}
	}

	payload := base64.StdEncoding.EncodeToString(encoded)
	if err := validatePayload(payload); err != nil {
		return nil, fmt.Errorf("invalid frame payload: %w", err)
	}

	return &types.Frame{
		Data:       payload,
		Quality:    quality,
		Width:      e.cfg.TargetWidth,
		Height:     e.cfg.TargetHeight,
		CapturedAt: capturedAt,
	}, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// validatePayload checks the text-safe payload against the expected base64
// alphabet before it is handed to the transport.
func validatePayload(payload string) error {
	if payload == "" {
		return fmt.Errorf("empty payload")
	}
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return nil
}
