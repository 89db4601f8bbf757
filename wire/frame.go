// Package wire implements the frame-based protocol the admin dashboard
// speaks to the scheduling core over WebSocket. Every message is a
// Frame; request frames name a method, response frames correlate back
// to a request, and event frames carry full job snapshots for a
// subscribed topic.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the wire message envelope.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "job.submit").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the auth frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Topic identifies the subscription topic for event frames.
	Topic string `json:"topic,omitempty" msgpack:"topic,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Auth methods.
	MethodAuth = "auth"

	// Job methods.
	MethodJobSubmit       = "job.submit"
	MethodJobGet          = "job.get"
	MethodJobCancel       = "job.cancel"
	MethodJobRetry        = "job.retry"
	MethodJobReprioritize = "job.reprioritize"

	// Snapshot method (the pull side of reconciliation).
	MethodSnapshot = "snapshot"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Admin methods.
	MethodStats = "stats"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest      = 400
	ErrCodeUnauthorized    = 401
	ErrCodeForbidden       = 403
	ErrCodeNotFound        = 404
	ErrCodeMethodNotFound  = 405
	ErrCodeConflict        = 409
	ErrCodeTooManyRequests = 429
	ErrCodeInternal        = 500
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
}

// SubmitRequest admits a new job.
type SubmitRequest struct {
	Class  string          `json:"class"`
	Owner  string          `json:"owner"`
	Params json.RawMessage `json:"params,omitempty"`

	// Priority overrides the class default when present.
	Priority *int `json:"priority,omitempty"`
}

// JobRequest addresses one job by ID. Used by get, cancel, and retry.
type JobRequest struct {
	JobID string `json:"job_id"`
}

// ReprioritizeRequest changes a queued job's priority.
type ReprioritizeRequest struct {
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
}

// SnapshotRequest asks for the full state snapshot, optionally
// narrowed to one class and/or owner.
type SnapshotRequest struct {
	Class string `json:"class,omitempty"`
	Owner string `json:"owner,omitempty"`
}

// SubscribeRequest subscribes to a topic.
type SubscribeRequest struct {
	Topic   string `json:"topic"`
	Credits int    `json:"credits,omitempty"` // Initial credits (0 = use default)
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Topic string `json:"topic"`
}

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription topic.
func NewEventFrame(topic string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Topic:     topic,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID. Request/response
// correlation depends on uniqueness across concurrent senders, so this
// is a UUID rather than a timestamp.
func GenerateFrameID() string {
	return uuid.NewString()
}
