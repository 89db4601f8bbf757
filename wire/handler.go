package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/engine"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/stream"
)

// Handler dispatches wire frames to engine operations.
type Handler struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// NewHandler creates a new wire method handler.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{eng: eng, logger: logger}
}

// Handle processes a single request frame and returns a response.
func (h *Handler) Handle(ctx context.Context, frame *Frame) *Frame {
	switch frame.Method {
	case MethodJobSubmit:
		return h.handleSubmit(ctx, frame)
	case MethodJobGet:
		return h.handleGet(ctx, frame)
	case MethodJobCancel:
		return h.handleCancel(ctx, frame)
	case MethodJobRetry:
		return h.handleRetry(ctx, frame)
	case MethodJobReprioritize:
		return h.handleReprioritize(ctx, frame)
	case MethodSnapshot:
		return h.handleSnapshot(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodStats:
		return h.handleStats(frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame
// on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errorCode maps engine errors onto wire error codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, foreman.ErrJobNotFound):
		return ErrCodeNotFound
	case errors.Is(err, foreman.ErrClassUnknown):
		return ErrCodeBadRequest
	case errors.Is(err, foreman.ErrAdmissionRejected):
		return ErrCodeTooManyRequests
	case errors.Is(err, foreman.ErrInvalidTransition):
		return ErrCodeConflict
	default:
		return ErrCodeInternal
	}
}

func (h *Handler) handleSubmit(ctx context.Context, frame *Frame) *Frame {
	var req SubmitRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	var opts []job.Option
	if req.Priority != nil {
		opts = append(opts, job.WithPriority(*req.Priority))
	}

	j, err := h.eng.SubmitRaw(ctx, req.Class, req.Owner, req.Params, opts...)
	if err != nil {
		return NewErrorFrame(frame.ID, errorCode(err), "submit failed: "+err.Error())
	}
	return mustResponseFrame(frame.ID, j)
}

func (h *Handler) handleGet(ctx context.Context, frame *Frame) *Frame {
	jobID, errFrame := h.parseJobID(frame)
	if errFrame != nil {
		return errFrame
	}
	j, err := h.eng.Get(ctx, jobID)
	if err != nil {
		return NewErrorFrame(frame.ID, errorCode(err), "get failed: "+err.Error())
	}
	return mustResponseFrame(frame.ID, j)
}

func (h *Handler) handleCancel(ctx context.Context, frame *Frame) *Frame {
	jobID, errFrame := h.parseJobID(frame)
	if errFrame != nil {
		return errFrame
	}
	j, err := h.eng.Cancel(ctx, jobID)
	if err != nil {
		return NewErrorFrame(frame.ID, errorCode(err), "cancel failed: "+err.Error())
	}
	return mustResponseFrame(frame.ID, j)
}

func (h *Handler) handleRetry(ctx context.Context, frame *Frame) *Frame {
	jobID, errFrame := h.parseJobID(frame)
	if errFrame != nil {
		return errFrame
	}
	j, err := h.eng.Retry(ctx, jobID)
	if err != nil {
		return NewErrorFrame(frame.ID, errorCode(err), "retry failed: "+err.Error())
	}
	return mustResponseFrame(frame.ID, j)
}

func (h *Handler) handleReprioritize(ctx context.Context, frame *Frame) *Frame {
	var req ReprioritizeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job ID: "+err.Error())
	}
	j, err := h.eng.Reprioritize(ctx, jobID, req.Priority)
	if err != nil {
		return NewErrorFrame(frame.ID, errorCode(err), "reprioritize failed: "+err.Error())
	}
	return mustResponseFrame(frame.ID, j)
}

func (h *Handler) handleSnapshot(ctx context.Context, frame *Frame) *Frame {
	var req SnapshotRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}
	snap, err := h.eng.Snapshot(ctx, job.Filter{Class: req.Class, Owner: req.Owner})
	if err != nil {
		return NewErrorFrame(frame.ID, errorCode(err), "snapshot failed: "+err.Error())
	}
	return mustResponseFrame(frame.ID, snap)
}

func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := stream.ValidateTopic(req.Topic); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	// The actual subscription is wired in the server loop after the
	// response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"topic":  req.Topic,
		"status": "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	return mustResponseFrame(frame.ID, map[string]string{
		"topic":  req.Topic,
		"status": "unsubscribed",
	})
}

func (h *Handler) handleStats(frame *Frame) *Frame {
	return mustResponseFrame(frame.ID, map[string]any{
		"classes": h.eng.Stats(),
		"broker":  h.eng.Broker().Stats(),
	})
}

func (h *Handler) parseJobID(frame *Frame) (id.JobID, *Frame) {
	var req JobRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return id.Nil, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return id.Nil, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job ID: "+err.Error())
	}
	return jobID, nil
}
