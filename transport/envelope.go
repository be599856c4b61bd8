package transport

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType is the discriminator carried by every unit exchanged over the
// persistent connection.
type EnvelopeType string

// Envelope types understood by the client.
const (
	// EnvelopeFrame is an inbound server-relayed preview frame.
	EnvelopeFrame EnvelopeType = "frame"
	// EnvelopeProcessImage is an outbound analysis request carrying an
	// encoded frame and a prompt.
	EnvelopeProcessImage EnvelopeType = "process_image"
	// EnvelopeLLMResponse is an inbound analysis result.
	EnvelopeLLMResponse EnvelopeType = "llm_response"
	// EnvelopeError is an inbound error report.
	EnvelopeError EnvelopeType = "error"
)

// Known reports whether the type is one the client understands.
// Unknown types are ignored by the read loop, never treated as fatal.
func (t EnvelopeType) Known() bool {
	switch t {
	case EnvelopeFrame, EnvelopeProcessImage, EnvelopeLLMResponse, EnvelopeError:
		return true
	}
	return false
}

// Envelope is the single structured unit exchanged over the persistent
// connection. Which fields are populated depends on Type.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	// RequestID correlates a process_image request with its llm_response.
	RequestID string `json:"request_id,omitempty"`

	// Data carries the type-specific payload: a base64 image string for
	// frame envelopes, an analysis result object for llm_response.
	Data json.RawMessage `json:"data,omitempty"`

	// ImageData and Prompt are the process_image request payload.
	ImageData string `json:"image_data,omitempty"`
	Prompt    string `json:"prompt,omitempty"`

	// Message is the error envelope payload.
	Message string `json:"message,omitempty"`

	// Timestamp is a server-side clock reading in seconds, present on
	// relayed frames.
	Timestamp float64 `json:"timestamp,omitempty"`
}

// AnalysisResult is the payload of an llm_response envelope.
type AnalysisResult struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
	// ProcessingTime is the server-side processing duration in seconds.
	ProcessingTime float64 `json:"processing_time"`
}

// NewProcessImage builds an outbound analysis request envelope.
func NewProcessImage(requestID, imageData, prompt string) *Envelope {
	return &Envelope{
		Type:      EnvelopeProcessImage,
		RequestID: requestID,
		ImageData: imageData,
		Prompt:    prompt,
	}
}

// DecodeEnvelope parses a received payload. A parse failure means the
// payload is malformed; the caller logs and drops it without closing the
// connection.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("malformed envelope: missing type")
	}
	return &env, nil
}

// AnalysisResult decodes the llm_response payload.
func (e *Envelope) AnalysisResult() (*AnalysisResult, error) {
	if e.Type != EnvelopeLLMResponse {
		return nil, fmt.Errorf("envelope type %q carries no analysis result", e.Type)
	}
	var result AnalysisResult
	if err := json.Unmarshal(e.Data, &result); err != nil {
		return nil, fmt.Errorf("malformed llm_response payload: %w", err)
	}
	return &result, nil
}

// FrameData decodes the relayed frame payload (a base64 image string).
func (e *Envelope) FrameData() (string, error) {
	if e.Type != EnvelopeFrame {
		return "", fmt.Errorf("envelope type %q carries no frame data", e.Type)
	}
	var data string
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return "", fmt.Errorf("malformed frame payload: %w", err)
	}
	return data, nil
}
