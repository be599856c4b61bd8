package prometheus

import (
	"github.com/studiolens/visionchat/events"
)

// Status constants for metric labels.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// MetricsListener records client runtime events as Prometheus metrics.
// It implements the events.Listener signature and should be registered
// with a Bus using SubscribeAll.
type MetricsListener struct{}

// NewMetricsListener creates a new MetricsListener.
func NewMetricsListener() *MetricsListener {
	return &MetricsListener{}
}

// Handle processes an event and records relevant metrics.
func (l *MetricsListener) Handle(event *events.Event) {
	switch event.Type {
	case events.EventFrameCaptured:
		if data, ok := event.Data.(*events.FrameCapturedData); ok {
			RecordFrameEmitted(data.Bytes)
		}
	case events.EventFrameDropped:
		RecordFrameDropped()
	case events.EventConnectionOpened:
		RecordConnectionOpen()
	case events.EventConnectionRetrying:
		RecordReconnectAttempt()
	case events.EventConnectionExhausted:
		RecordReconnectExhausted()
	case events.EventRequestCompleted:
		if data, ok := event.Data.(*events.RequestCompletedData); ok {
			RecordRequest(statusCompleted, data.RoundTrip.Seconds())
		}
	case events.EventRequestFailed:
		RecordRequest(statusFailed, 0)
	case events.EventLoggedIn:
		RecordAuthEvent("login")
	case events.EventLoggedOut:
		RecordAuthEvent("logout")
	case events.EventTokenRefreshed:
		RecordAuthEvent("refresh")
	case events.EventSessionExpired:
		RecordAuthEvent("expired")
	default:
		// Events without metrics are ignored.
	}
}

// Listener returns an events.Listener function that can be registered with
// a Bus.
func (l *MetricsListener) Listener() events.Listener {
	return l.Handle
}
