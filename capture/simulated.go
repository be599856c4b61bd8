package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// SimulatedSource is a Source that synthesizes a solid-color test pattern
// instead of reading a physical camera. It mirrors the synthetic frame the
// analysis backend falls back to when no device is present, and doubles as
// the test double for the pipeline.
type SimulatedSource struct {
	mu     sync.Mutex
	open   bool
	width  int
	height int

	// WarmupCaptures is how many Bounds calls report zero dimensions after
	// Open before the source is considered ready.
	WarmupCaptures int
	boundsCalls    int

	// Fill is the frame color. Defaults to a solid blue.
	Fill color.RGBA

	// FailOpen makes Open fail, simulating a busy or denied device.
	FailOpen bool
}

// NewSimulatedSource creates a simulated source producing blue frames.
func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{Fill: color.RGBA{B: 200, A: 255}}
}

// Open acquires the simulated device.
func (s *SimulatedSource) Open(_ context.Context, c Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOpen {
		return fmt.Errorf("simulated device busy")
	}
	s.open = true
	s.width = c.Width
	s.height = c.Height
	s.boundsCalls = 0
	return nil
}

// Bounds reports zero dimensions for the configured number of warmup calls.
func (s *SimulatedSource) Bounds() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, 0
	}
	if s.boundsCalls < s.WarmupCaptures {
		s.boundsCalls++
		return 0, 0
	}
	return s.width, s.height
}

// Capture renders the test pattern at the source resolution.
func (s *SimulatedSource) Capture() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, fmt.Errorf("source is not open")
	}
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, s.Fill)
		}
	}
	return img, nil
}

// Close releases the simulated device.
func (s *SimulatedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}
