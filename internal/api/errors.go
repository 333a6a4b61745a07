package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"taskengine/internal/dispatch"
	"taskengine/internal/executor"
	"taskengine/internal/models"
	"taskengine/internal/tasks"
)

const (
	codeBadRequest = "invalid_request"
	codeInternal   = "internal_error"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Success     bool            `json:"success"`
	Error       string          `json:"error"`
	Message     string          `json:"message"`
	Task        *models.Task    `json:"task,omitempty"`
	Run         *models.TaskRun `json:"run,omitempty"`
	RateLimited bool            `json:"rate_limited,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Scope       string          `json:"scope,omitempty"`
	Details     map[string]any  `json:"details,omitempty"`

	status int
}

func badRequest(message string) *ErrorResponse {
	return &ErrorResponse{Error: codeBadRequest, Message: message, status: http.StatusBadRequest}
}

func statusFor(code string) int {
	switch code {
	case dispatch.CodeNotFound:
		return http.StatusNotFound
	case dispatch.CodeInvalidState:
		return http.StatusConflict
	case dispatch.CodeRateLimited:
		return http.StatusTooManyRequests
	case executor.CodeUnknownExecutor, executor.CodeExecutorNotAllowed, executor.CodeTransportFailure:
		return http.StatusUnprocessableEntity
	case codeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// toErrorResponse maps errors of the dispatch and task layers onto HTTP responses. Anything
// unrecognized is logged and reported as a 500 without leaking its message.
func toErrorResponse(err error) *ErrorResponse {
	var dispatchErr *dispatch.Error
	var transitionErr *tasks.TransitionError

	switch {
	case errors.As(err, &dispatchErr):
		resp := &ErrorResponse{
			Error:   dispatchErr.Code,
			Message: dispatchErr.Message,
			Task:    dispatchErr.Task,
			Run:     dispatchErr.Run,
			status:  statusFor(dispatchErr.Code),
		}
		if d := dispatchErr.Decision; d != nil && dispatchErr.RateLimited() {
			resp.RateLimited = true
			resp.Reason = d.Reason
			resp.Scope = d.Scope
			resp.Details = d.Details
		}
		return resp
	case errors.As(err, &transitionErr):
		return &ErrorResponse{Error: dispatch.CodeInvalidState, Message: transitionErr.Error(), status: http.StatusConflict}
	case errors.Is(err, tasks.ErrNotFound):
		return &ErrorResponse{Error: dispatch.CodeNotFound, Message: err.Error(), status: http.StatusNotFound}
	case errors.Is(err, tasks.ErrInvalid):
		return badRequest(err.Error())
	}

	log.Error().Err(err).Msg("Unhandled API error")
	return &ErrorResponse{Error: codeInternal, Message: "internal server error", status: http.StatusInternalServerError}
}

func writeError(w http.ResponseWriter, resp *ErrorResponse) {
	resp.Success = false
	status := resp.status
	if status == 0 {
		status = statusFor(resp.Error)
	}
	serveJsonStatus(w, status, resp)
}

func serveError(w http.ResponseWriter, err error) {
	writeError(w, toErrorResponse(err))
}
