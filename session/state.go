package session

import (
	"errors"
	"fmt"
)

// CameraState is the camera sub-state of an authenticated session.
type CameraState int

// Camera sub-states.
const (
	CameraOff CameraState = iota
	CameraStarting
	CameraOn
)

// String returns the state name.
func (s CameraState) String() string {
	switch s {
	case CameraOff:
		return "off"
	case CameraStarting:
		return "starting"
	case CameraOn:
		return "on"
	}
	return "unknown"
}

// ConnState is the connection sub-state. It flips on transport open/close
// events, independently of camera and request state.
type ConnState int

// Connection sub-states.
const (
	ConnDown ConnState = iota
	ConnUp
)

// String returns the state name.
func (s ConnState) String() string {
	if s == ConnUp {
		return "up"
	}
	return "down"
}

// RequestState is the analysis request sub-state. At most one request may
// be pending at a time.
type RequestState int

// Request sub-states.
const (
	RequestIdle RequestState = iota
	RequestPending
)

// String returns the state name.
func (s RequestState) String() string {
	if s == RequestPending {
		return "pending"
	}
	return "idle"
}

// Snapshot is a point-in-time view of the session state machine.
type Snapshot struct {
	Authenticated bool
	Camera        CameraState
	Connection    ConnState
	Request       RequestState
}

// RejectReason identifies the first failing precondition of a rejected
// prompt submission.
type RejectReason string

// Rejection reasons, in precondition check order.
const (
	ReasonNotAuthenticated   RejectReason = "not authenticated"
	ReasonCameraOff          RejectReason = "camera is not active"
	ReasonDisconnected       RejectReason = "connection is down"
	ReasonRequestPending     RejectReason = "a request is already pending"
	ReasonServiceUnavailable RejectReason = "analysis service is not available"
	ReasonNoFrame            RejectReason = "no frame available"
)

// PreconditionError reports a rejected submission. The session state is
// unchanged and nothing was sent.
type PreconditionError struct {
	Reason RejectReason
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

// Rejected extracts the rejection reason when err is a PreconditionError.
func Rejected(err error) (RejectReason, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}
