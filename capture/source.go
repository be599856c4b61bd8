// Package capture owns the camera source and produces encoded still frames
// on a fixed cadence, shrinking quality adaptively to keep every payload
// under a transport budget.
package capture

import (
	"context"
	"errors"
	"image"
)

// ErrCaptureUnavailable is returned by Start when the source cannot be
// acquired (permission denied, device busy). The pipeline state is left
// unchanged.
var ErrCaptureUnavailable = errors.New("capture source unavailable")

// Constraints is the resolution and frame rate requested from the source.
type Constraints struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	FPS    int `json:"fps" yaml:"fps"`
}

// DefaultConstraints matches the canonical downstream encoding size.
func DefaultConstraints() Constraints {
	return Constraints{Width: 640, Height: 480, FPS: 15}
}

// Source abstracts a camera device. Implementations report zero dimensions
// while the device is still warming up; the pipeline skips those ticks
// rather than emitting a zero-sized frame.
type Source interface {
	// Open acquires the device with the requested constraints.
	Open(ctx context.Context, c Constraints) error

	// Bounds reports the source's current dimensions. Zero values mean the
	// source has not produced a usable picture yet.
	Bounds() (width, height int)

	// Capture returns the current source image.
	Capture() (image.Image, error)

	// Close releases the device and all of its resources.
	Close() error
}
