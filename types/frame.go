package types

import "time"

// Frame is one captured still image, immutable once produced. The capture
// pipeline retains at most one current frame: a new frame replaces the
// previous one, stale frames are discarded rather than queued.
type Frame struct {
	// Data is the encoded payload in its text-safe (base64) form, ready to
	// be placed in an outbound envelope.
	Data string

	// Quality is the JPEG quality level (1-100) the payload was encoded at.
	Quality int

	// Width and Height are the rendered dimensions of the encoded image.
	Width  int
	Height int

	// CapturedAt is when the source image was captured.
	CapturedAt time.Time
}

// Size returns the length in bytes of the text-safe payload.
func (f *Frame) Size() int {
	return len(f.Data)
}
