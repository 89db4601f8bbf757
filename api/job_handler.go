package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
)

// SubmitJobRequest admits a new job.
type SubmitJobRequest struct {
	Class  string          `json:"class" binding:"required"`
	Owner  string          `json:"owner" binding:"required"`
	Params json.RawMessage `json:"params,omitempty"`

	// Priority overrides the class default when present.
	Priority *int `json:"priority,omitempty"`
}

// ReprioritizeJobRequest changes a queued job's priority.
type ReprioritizeJobRequest struct {
	Priority int `json:"priority"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// errorStatus maps engine errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, foreman.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, foreman.ErrClassUnknown):
		return http.StatusBadRequest
	case errors.Is(err, foreman.ErrAdmissionRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, foreman.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), errorResponse{Error: err.Error()})
}

func (a *API) submitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var opts []job.Option
	if req.Priority != nil {
		opts = append(opts, job.WithPriority(*req.Priority))
	}

	j, err := a.eng.SubmitRaw(c.Request.Context(), req.Class, req.Owner, req.Params, opts...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

// listJobs serves the pull snapshot: active jobs plus terminal jobs
// within the snapshot window, filtered by class and/or owner.
func (a *API) listJobs(c *gin.Context) {
	snap, err := a.eng.Snapshot(c.Request.Context(), job.Filter{
		Class: c.Query("class"),
		Owner: c.Query("owner"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) getJob(c *gin.Context) {
	jobID, ok := a.jobIDParam(c)
	if !ok {
		return
	}
	j, err := a.eng.Get(c.Request.Context(), jobID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) cancelJob(c *gin.Context) {
	jobID, ok := a.jobIDParam(c)
	if !ok {
		return
	}
	j, err := a.eng.Cancel(c.Request.Context(), jobID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) retryJob(c *gin.Context) {
	jobID, ok := a.jobIDParam(c)
	if !ok {
		return
	}
	j, err := a.eng.Retry(c.Request.Context(), jobID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (a *API) reprioritizeJob(c *gin.Context) {
	jobID, ok := a.jobIDParam(c)
	if !ok {
		return
	}
	var req ReprioritizeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	j, err := a.eng.Reprioritize(c.Request.Context(), jobID, req.Priority)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) jobIDParam(c *gin.Context) (id.JobID, bool) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid job ID: " + err.Error()})
		return id.Nil, false
	}
	return jobID, true
}
