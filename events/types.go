package events

import "time"

// EventType identifies the type of event emitted by the client runtime.
type EventType string

const (
	// EventConnectionOpened marks a successful websocket open.
	EventConnectionOpened EventType = "connection.opened"
	// EventConnectionClosed marks an unplanned or deliberate websocket close.
	EventConnectionClosed EventType = "connection.closed"
	// EventConnectionRetrying marks a scheduled reconnect attempt.
	EventConnectionRetrying EventType = "connection.retrying"
	// EventConnectionExhausted marks reconnection giving up after the
	// maximum number of consecutive failures.
	EventConnectionExhausted EventType = "connection.exhausted"

	// EventCameraStarted marks successful camera acquisition.
	EventCameraStarted EventType = "camera.started"
	// EventCameraStopped marks camera release.
	EventCameraStopped EventType = "camera.stopped"

	// EventFrameCaptured marks a frame emitted by the capture pipeline.
	EventFrameCaptured EventType = "frame.captured"
	// EventFrameDropped marks a frame discarded before emission.
	EventFrameDropped EventType = "frame.dropped"
	// EventFrameRelayed marks a server-relayed preview frame arriving
	// over the persistent connection.
	EventFrameRelayed EventType = "frame.relayed"

	// EventRequestSubmitted marks an accepted analysis request.
	EventRequestSubmitted EventType = "request.submitted"
	// EventRequestCompleted marks a correlated response arriving.
	EventRequestCompleted EventType = "request.completed"
	// EventRequestFailed marks an error envelope for a pending request.
	EventRequestFailed EventType = "request.failed"

	// EventLoggedIn marks a successful login.
	EventLoggedIn EventType = "auth.logged_in"
	// EventLoggedOut marks logout.
	EventLoggedOut EventType = "auth.logged_out"
	// EventTokenRefreshed marks a successful transparent token refresh.
	EventTokenRefreshed EventType = "auth.token_refreshed"
	// EventSessionExpired marks terminal refresh failure: credentials are
	// cleared and the session returns to the unauthenticated state.
	EventSessionExpired EventType = "auth.session_expired"

	// EventErrorRaised carries a classified, user-visible error condition.
	EventErrorRaised EventType = "error.raised"
)

// ErrorClass groups user-visible errors by origin so the surrounding UI can
// route them to the right surface.
type ErrorClass string

const (
	// ErrorClassConnection covers transport and reconnection failures.
	ErrorClassConnection ErrorClass = "connection"
	// ErrorClassCamera covers capture acquisition and camera control failures.
	ErrorClassCamera ErrorClass = "camera"
	// ErrorClassService covers AI analysis service failures.
	ErrorClassService ErrorClass = "service"
)

// Event is a single runtime event delivered to listeners.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, data any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// ConnectionRetryingData is attached to EventConnectionRetrying.
type ConnectionRetryingData struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// FrameCapturedData is attached to EventFrameCaptured.
type FrameCapturedData struct {
	Bytes   int
	Quality int
}

// FrameDroppedData is attached to EventFrameDropped.
type FrameDroppedData struct {
	Reason string
}

// RequestCompletedData is attached to EventRequestCompleted.
type RequestCompletedData struct {
	RequestID      string
	Confidence     float64
	ProcessingTime time.Duration
	RoundTrip      time.Duration
}

// ErrorData is attached to EventErrorRaised. Transient errors belong on a
// short-lived notification surface; persistent ones stay visible until the
// underlying condition clears. The two surfaces are independent.
type ErrorData struct {
	Class     ErrorClass
	Message   string
	Transient bool
}
