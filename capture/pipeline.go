package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studiolens/visionchat/events"
	"github.com/studiolens/visionchat/logger"
	"github.com/studiolens/visionchat/types"
)

// DefaultInterval is the capture cadence used when neither Interval nor an
// FPS constraint is configured.
const DefaultInterval = 66 * time.Millisecond

// FrameFunc receives each emitted frame.
type FrameFunc func(*types.Frame)

// Config configures the capture pipeline.
type Config struct {
	// Constraints are passed to the source on acquisition.
	Constraints Constraints

	// Interval is the capture cadence. When zero it is derived from
	// Constraints.FPS, falling back to DefaultInterval.
	Interval time.Duration

	// Encoder configures frame encoding.
	Encoder EncoderConfig

	// Bus, when set, receives frame lifecycle events.
	Bus *events.Bus
}

// Pipeline drives the capture loop: one tick per interval, each tick
// rendering and encoding the current source image. Frames are delivered
// latest-wins: a new frame replaces the held one, nothing is queued.
type Pipeline struct {
	cfg     Config
	src     Source
	encoder *Encoder
	onFrame FrameFunc

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}

	latest atomic.Pointer[types.Frame]
}

// NewPipeline creates a pipeline over the given source. onFrame may be nil
// when callers only poll Latest.
func NewPipeline(src Source, cfg Config, onFrame FrameFunc) *Pipeline {
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = DefaultConstraints()
	}
	if cfg.Interval == 0 {
		if cfg.Constraints.FPS > 0 {
			cfg.Interval = time.Second / time.Duration(cfg.Constraints.FPS)
		} else {
			cfg.Interval = DefaultInterval
		}
	}
	return &Pipeline{
		cfg:     cfg,
		src:     src,
		encoder: NewEncoder(cfg.Encoder),
		onFrame: onFrame,
	}
}

// Start acquires the source and begins the capture loop. Starting while
// already active is a no-op. Acquisition failure returns
// ErrCaptureUnavailable and leaves the pipeline inactive.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		return nil
	}

	if err := p.src.Open(ctx, p.cfg.Constraints); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.active = true
	p.cancel = cancel
	p.done = make(chan struct{})

	logger.Info("capture started",
		"width", p.cfg.Constraints.Width,
		"height", p.cfg.Constraints.Height,
		"interval", p.cfg.Interval,
	)

	go p.loop(loopCtx, p.done)
	return nil
}

// Stop cancels the capture loop and releases the source deterministically.
// An encode already in flight completes but never emits: the active guard
// is checked immediately before the frame callback.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	cancel := p.cancel
	p.cancel = nil
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	if err := p.src.Close(); err != nil {
		logger.Warn("failed to release capture source", "error", err)
	}
	p.latest.Store(nil)
	logger.Info("capture stopped")
}

// Active reports whether the pipeline is running.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Latest returns the most recently emitted frame, or nil when none is held.
// Stale frames are discarded as new ones arrive, so the result is always
// the freshest available.
func (p *Pipeline) Latest() *types.Frame {
	return p.latest.Load()
}

func (p *Pipeline) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.tick()
	}
}

// tick captures, encodes, and emits one frame. Per-frame errors are logged
// and swallowed: losing a frame is not fatal to the session.
func (p *Pipeline) tick() {
	width, height := p.src.Bounds()
	if width <= 0 || height <= 0 {
		// Source still warming up. Never emit a zero-sized frame.
		logger.Debug("source warming up, skipping tick")
		return
	}

	img, err := p.src.Capture()
	if err != nil {
		logger.Warn("capture failed, dropping frame", "error", err)
		p.publishDropped("capture failed")
		return
	}

	frame, err := p.encoder.Encode(img, time.Now())
	if err != nil {
		logger.Warn("frame encoding failed, dropping frame", "error", err)
		p.publishDropped("encoding failed")
		return
	}

	// The pipeline may have been stopped while the encode was in flight.
	if !p.Active() {
		return
	}

	p.latest.Store(frame)
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(events.NewEvent(events.EventFrameCaptured, &events.FrameCapturedData{
			Bytes:   frame.Size(),
			Quality: frame.Quality,
		}))
	}
	if p.onFrame != nil {
		p.onFrame(frame)
	}
}

func (p *Pipeline) publishDropped(reason string) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(events.NewEvent(events.EventFrameDropped, &events.FrameDroppedData{Reason: reason}))
	}
}
