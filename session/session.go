// Package session composes the connection manager, capture pipeline, and
// credential manager behind a small state machine:
//
//	Unauthenticated -> Authenticated{camera, connection, request}
//
// The orchestrator enforces the at-most-one-pending-request invariant,
// correlates analysis requests with their responses, and appends both
// sides of the exchange to the chat log.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studiolens/visionchat/api"
	"github.com/studiolens/visionchat/auth"
	"github.com/studiolens/visionchat/capture"
	"github.com/studiolens/visionchat/events"
	"github.com/studiolens/visionchat/logger"
	"github.com/studiolens/visionchat/statestore"
	"github.com/studiolens/visionchat/transport"
	"github.com/studiolens/visionchat/types"
)

// ErrNotAuthenticated is returned by operations that require a logged-in
// session.
var ErrNotAuthenticated = errors.New("not authenticated")

// Config configures the orchestrator.
type Config struct {
	// Auth is the credential manager. Required.
	Auth *auth.Manager

	// API is the REST control-surface client. When nil, camera control
	// calls and the service availability probe are skipped.
	API *api.Client

	// Transport configures the websocket connection manager. The
	// orchestrator installs its own handlers.
	Transport transport.Config

	// Source is the camera source driven by the capture pipeline.
	Source capture.Source

	// Capture configures the capture pipeline.
	Capture capture.Config

	// Store holds the chat log. Defaults to an in-memory store.
	Store statestore.Store

	// Bus, when set, receives session lifecycle events. It is also handed
	// to the transport and capture subsystems.
	Bus *events.Bus
}

// pendingRequest is the at-most-one outstanding analysis request.
type pendingRequest struct {
	id          string
	prompt      string
	submittedAt time.Time
}

// Orchestrator owns the session state machine. All sends to the persistent
// connection funnel through it.
type Orchestrator struct {
	cfg      Config
	conv     string // conversation ID, regenerated per login
	trans    *transport.Manager
	pipeline *capture.Pipeline
	store    statestore.Store

	mu            sync.Mutex
	authenticated bool
	camera        CameraState
	connState     ConnState
	pending       *pendingRequest
	serviceUp     bool
	remoteFrame   string // latest server-relayed preview frame
}

// NewOrchestrator creates a session orchestrator. The session starts
// unauthenticated; call Login.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Auth == nil {
		return nil, errors.New("auth manager is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("capture source is required")
	}
	if cfg.Store == nil {
		cfg.Store = statestore.NewMemoryStore()
	}
	if cfg.Capture.Constraints == (capture.Constraints{}) {
		cfg.Capture.Constraints = capture.DefaultConstraints()
	}
	if cfg.Capture.Bus == nil {
		cfg.Capture.Bus = cfg.Bus
	}
	if cfg.Transport.Bus == nil {
		cfg.Transport.Bus = cfg.Bus
	}

	o := &Orchestrator{
		cfg:   cfg,
		store: cfg.Store,
	}
	o.trans = transport.NewManager(cfg.Transport, transport.Handlers{
		OnOpen:      o.onOpen,
		OnMessage:   o.onMessage,
		OnClose:     o.onClose,
		OnExhausted: o.onExhausted,
	})
	o.pipeline = capture.NewPipeline(cfg.Source, cfg.Capture, nil)
	return o, nil
}

// Snapshot returns the current state machine view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	req := RequestIdle
	if o.pending != nil {
		req = RequestPending
	}
	return Snapshot{
		Authenticated: o.authenticated,
		Camera:        o.camera,
		Connection:    o.connState,
		Request:       req,
	}
}

// Login authenticates and enters the Authenticated state with the camera
// off and no pending request. The connection is attempted independently:
// its failure does not fail the login.
func (o *Orchestrator) Login(ctx context.Context, username, password string) error {
	if _, err := o.cfg.Auth.Login(ctx, username, password); err != nil {
		return err
	}

	o.mu.Lock()
	o.authenticated = true
	o.camera = CameraOff
	o.pending = nil
	o.conv = uuid.NewString()
	o.mu.Unlock()

	if err := o.trans.Connect(ctx); err != nil {
		logger.Warn("initial connection attempt failed", "error", err)
		o.raiseError(events.ErrorClassConnection, "could not reach the analysis service", true)
	}
	o.probeService(ctx)
	return nil
}

// Logout leaves the Authenticated state. The camera is stopped, the chat
// log and any pending request are discarded, and credentials are cleared
// even when the server-side call fails. The connection is left as-is: the
// transport is not a session concern.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.mu.Lock()
	if !o.authenticated {
		o.mu.Unlock()
		return nil
	}
	o.authenticated = false
	if o.pending != nil {
		logger.Info("discarding pending request on logout", "request_id", o.pending.id)
		o.pending = nil
	}
	conv := o.conv
	camera := o.camera
	o.camera = CameraOff
	o.mu.Unlock()

	if camera != CameraOff {
		o.stopCapture(ctx)
	}
	if err := o.store.Clear(ctx, conv); err != nil {
		logger.Warn("failed to clear chat log", "error", err)
	}
	return o.cfg.Auth.Logout(ctx)
}

// StartCamera acquires the capture source: Off -> Starting -> On. On
// acquisition failure the camera remains Off and ErrCaptureUnavailable is
// surfaced. Starting while On is a no-op.
func (o *Orchestrator) StartCamera(ctx context.Context) error {
	o.mu.Lock()
	if !o.authenticated {
		o.mu.Unlock()
		return ErrNotAuthenticated
	}
	if o.camera != CameraOff {
		o.mu.Unlock()
		return nil
	}
	o.camera = CameraStarting
	o.mu.Unlock()

	// The server-side camera is best effort: local capture is what feeds
	// analysis requests.
	if o.cfg.API != nil {
		if err := o.cfg.API.StartCamera(ctx, o.cfg.Capture.Constraints); err != nil {
			logger.Warn("server camera start failed", "error", err)
		}
	}

	if err := o.pipeline.Start(ctx); err != nil {
		o.mu.Lock()
		o.camera = CameraOff
		o.mu.Unlock()
		o.raiseError(events.ErrorClassCamera, "could not access the camera", false)
		return err
	}

	o.mu.Lock()
	o.camera = CameraOn
	o.mu.Unlock()
	o.publish(events.EventCameraStarted, nil)
	return nil
}

// StopCamera releases the capture source and returns the camera to Off.
// Stopping while Off is a no-op.
func (o *Orchestrator) StopCamera(ctx context.Context) {
	o.mu.Lock()
	if o.camera == CameraOff {
		o.mu.Unlock()
		return
	}
	o.camera = CameraOff
	o.mu.Unlock()

	o.stopCapture(ctx)
}

func (o *Orchestrator) stopCapture(ctx context.Context) {
	o.pipeline.Stop()
	if o.cfg.API != nil {
		if err := o.cfg.API.StopCamera(ctx); err != nil {
			logger.Warn("server camera stop failed", "error", err)
		}
	}
	o.publish(events.EventCameraStopped, nil)
}

// Connect attempts the websocket connection. It is how the surrounding
// code retries manually after ReconnectExhausted.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.trans.Connect(ctx)
}

// Disconnect closes the websocket deterministically. A planned close fires
// no transport callback, so the connection sub-state flips down here.
func (o *Orchestrator) Disconnect() error {
	err := o.trans.Disconnect()
	o.mu.Lock()
	o.connState = ConnDown
	o.mu.Unlock()
	return err
}

// CheckService probes the AI backend and caches its availability for the
// submission precondition.
func (o *Orchestrator) CheckService(ctx context.Context) error {
	if o.cfg.API == nil {
		return nil
	}
	_, err := o.cfg.API.ServiceStatus(ctx)

	o.mu.Lock()
	o.serviceUp = err == nil
	o.mu.Unlock()

	if err != nil {
		o.raiseError(events.ErrorClassService, "AI service is not available", false)
	}
	return err
}

// probeService refreshes the cached availability without surfacing errors;
// used opportunistically after login.
func (o *Orchestrator) probeService(ctx context.Context) {
	if o.cfg.API == nil {
		o.mu.Lock()
		o.serviceUp = true
		o.mu.Unlock()
		return
	}
	_, err := o.cfg.API.ServiceStatus(ctx)
	o.mu.Lock()
	o.serviceUp = err == nil
	o.mu.Unlock()
}

// SubmitPrompt pairs the prompt with the latest captured frame and sends a
// correlated analysis request. It is allowed only when the camera is on,
// the connection is up, no request is pending, the service is available,
// and a frame is held; otherwise it is rejected with the first failing
// precondition and no state changes. Returns the request ID on acceptance.
func (o *Orchestrator) SubmitPrompt(ctx context.Context, text string) (string, error) {
	frame := o.pipeline.Latest()

	o.mu.Lock()
	if reason, ok := o.checkPreconditions(frame); !ok {
		o.mu.Unlock()
		logger.Debug("prompt rejected", "reason", reason)
		return "", &PreconditionError{Reason: reason}
	}
	req := &pendingRequest{
		id:          uuid.NewString(),
		prompt:      text,
		submittedAt: time.Now(),
	}
	o.pending = req
	conv := o.conv
	o.mu.Unlock()

	if err := o.store.AppendMessages(ctx, conv, []types.Message{
		types.NewUserMessage(req.id, text),
	}); err != nil {
		logger.Warn("failed to append user message", "error", err)
	}

	env := transport.NewProcessImage(req.id, frame.Data, text)
	if err := o.trans.Send(env); err != nil {
		// Connection dropped between the precondition check and the send.
		o.mu.Lock()
		if o.pending == req {
			o.pending = nil
		}
		o.mu.Unlock()
		o.raiseError(events.ErrorClassConnection, "failed to send analysis request", true)
		return "", fmt.Errorf("failed to submit prompt: %w", err)
	}

	o.publish(events.EventRequestSubmitted, req.id)
	logger.Info("analysis request submitted", "request_id", req.id)
	return req.id, nil
}

// checkPreconditions reports the first failing submission precondition.
// Callers hold o.mu.
func (o *Orchestrator) checkPreconditions(frame *types.Frame) (RejectReason, bool) {
	switch {
	case !o.authenticated:
		return ReasonNotAuthenticated, false
	case o.camera != CameraOn:
		return ReasonCameraOff, false
	case o.connState != ConnUp:
		return ReasonDisconnected, false
	case o.pending != nil:
		return ReasonRequestPending, false
	case !o.serviceUp:
		return ReasonServiceUnavailable, false
	case frame == nil:
		return ReasonNoFrame, false
	}
	return "", true
}

// Messages returns the session's chat log in arrival order. An empty log
// is not an error.
func (o *Orchestrator) Messages(ctx context.Context) ([]types.Message, error) {
	o.mu.Lock()
	conv := o.conv
	o.mu.Unlock()
	if conv == "" {
		return nil, nil
	}

	state, err := o.store.Load(ctx, conv)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state.Messages, nil
}

// RemoteFrame returns the latest server-relayed preview frame, or "" when
// none has arrived.
func (o *Orchestrator) RemoteFrame() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remoteFrame
}

// onOpen flips the connection sub-state up. Invoked from the transport's
// read goroutine on every successful open, including reconnects.
func (o *Orchestrator) onOpen() {
	o.mu.Lock()
	o.connState = ConnUp
	o.mu.Unlock()
}

// onClose flips the connection sub-state down. Camera and request state
// are untouched: an in-flight request stays pending until its response or
// error envelope arrives on a reconnected channel.
func (o *Orchestrator) onClose() {
	o.mu.Lock()
	o.connState = ConnDown
	o.mu.Unlock()
}

func (o *Orchestrator) onExhausted() {
	o.raiseError(events.ErrorClassConnection,
		"connection lost and could not be re-established", false)
}

// onMessage routes decoded envelopes. Unknown types never reach here; the
// transport ignores them.
func (o *Orchestrator) onMessage(env *transport.Envelope) {
	switch env.Type {
	case transport.EnvelopeLLMResponse:
		o.handleResponse(env)
	case transport.EnvelopeError:
		o.handleError(env)
	case transport.EnvelopeFrame:
		o.handleRelayedFrame(env)
	}
}

// handleResponse correlates an llm_response with the pending request and
// appends the assistant message. A response with no matching pending
// request, including one arriving after logout discarded it, is ignored
// and logged, never surfaced.
func (o *Orchestrator) handleResponse(env *transport.Envelope) {
	result, err := env.AnalysisResult()
	if err != nil {
		logger.Warn("dropping malformed analysis response", "error", err)
		return
	}

	o.mu.Lock()
	req := o.pending
	if req == nil || (env.RequestID != "" && env.RequestID != req.id) {
		o.mu.Unlock()
		logger.Info("ignoring response for discarded or unknown request",
			"request_id", env.RequestID)
		return
	}
	o.pending = nil
	conv := o.conv
	o.mu.Unlock()

	latency := time.Duration(result.ProcessingTime * float64(time.Second))
	roundTrip := time.Since(req.submittedAt)

	if err := o.store.AppendMessages(context.Background(), conv, []types.Message{
		types.NewAssistantMessage(req.id, result.Response, result.Confidence, latency),
	}); err != nil {
		logger.Warn("failed to append assistant message", "error", err)
	}

	o.publish(events.EventRequestCompleted, &events.RequestCompletedData{
		RequestID:      req.id,
		Confidence:     result.Confidence,
		ProcessingTime: latency,
		RoundTrip:      roundTrip,
	})
	logger.Info("analysis response received",
		"request_id", req.id,
		"confidence", result.Confidence,
		"processing_time", latency,
	)
}

// handleError resolves the pending request without an assistant message
// and raises a service-class error.
func (o *Orchestrator) handleError(env *transport.Envelope) {
	o.mu.Lock()
	req := o.pending
	o.pending = nil
	o.mu.Unlock()

	msg := env.Message
	if msg == "" {
		msg = "analysis failed"
	}

	if req != nil {
		o.publish(events.EventRequestFailed, req.id)
		logger.Warn("analysis request failed", "request_id", req.id, "message", msg)
	} else {
		logger.Warn("service error", "message", msg)
	}
	o.raiseError(events.ErrorClassService, msg, true)
}

// handleRelayedFrame updates the latest server-relayed preview frame.
func (o *Orchestrator) handleRelayedFrame(env *transport.Envelope) {
	data, err := env.FrameData()
	if err != nil {
		logger.Warn("dropping malformed relayed frame", "error", err)
		return
	}

	o.mu.Lock()
	o.remoteFrame = data
	o.mu.Unlock()
	o.publish(events.EventFrameRelayed, nil)
}

func (o *Orchestrator) publish(eventType events.EventType, data any) {
	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(events.NewEvent(eventType, data))
	}
}

// raiseError publishes a classified, user-visible error condition.
// Transient errors belong on a short-lived notification surface.
func (o *Orchestrator) raiseError(class events.ErrorClass, message string, transient bool) {
	o.publish(events.EventErrorRaised, &events.ErrorData{
		Class:     class,
		Message:   message,
		Transient: transient,
	})
}
