package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/quiz-engine/internal/policy"
	"github.com/stemsi/quiz-engine/internal/response"
	"github.com/stemsi/quiz-engine/internal/service"
)

// apiError is the HTTP rendition of a service error.
type apiError struct {
	status int
	code   response.ErrCode
	detail string
}

// classify maps service errors to HTTP statuses and codes. Unrecognized errors get
// fallback with a 500, or a 503 when fallback is a store-availability code.
func classify(err error, fallback response.ErrCode) apiError {
	var denied *service.DeniedError
	if errors.As(err, &denied) {
		code := response.ErrAttemptDenied
		switch denied.Reason {
		case policy.ReasonSingleAttemptOnly:
			code = response.ErrSingleAttempt
		case policy.ReasonMaxAttemptsReached:
			code = response.ErrMaxAttempts
		}
		return apiError{status: http.StatusConflict, code: code, detail: denied.Message}
	}

	switch {
	case errors.Is(err, service.ErrNoIdentity):
		return apiError{status: http.StatusUnauthorized, code: response.ErrTokenRequired}
	case errors.Is(err, service.ErrQuizNotFound):
		return apiError{status: http.StatusNotFound, code: response.ErrQuizNotFound}
	case errors.Is(err, service.ErrQuizInactive):
		return apiError{status: http.StatusForbidden, code: response.ErrQuizInactive}
	case errors.Is(err, service.ErrNoActiveSession):
		return apiError{status: http.StatusNotFound, code: response.ErrNoActiveSession}
	case errors.Is(err, service.ErrAlreadySubmitted), errors.Is(err, service.ErrAlreadyFinalized):
		return apiError{status: http.StatusConflict, code: response.ErrAlreadySubmitted}
	case errors.Is(err, service.ErrSessionClosed):
		return apiError{status: http.StatusGone, code: response.ErrSessionClosed}
	case errors.Is(err, service.ErrUnknownQuestion):
		return apiError{status: http.StatusBadRequest, code: response.ErrUnknownQuestion}
	case errors.Is(err, service.ErrTimeUp):
		return apiError{status: http.StatusConflict, code: response.ErrTimeUp}
	case errors.Is(err, service.ErrFinalizeInProgress):
		return apiError{status: http.StatusConflict, code: response.ErrFinalizeInProgress}
	case errors.Is(err, service.ErrFinalizeFailed):
		return apiError{status: http.StatusServiceUnavailable, code: response.ErrSubmitFailed}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apiError{status: http.StatusServiceUnavailable, code: fallback}
	}

	if fallback == response.ErrSaveFailed || fallback == response.ErrSubmitFailed {
		return apiError{status: http.StatusServiceUnavailable, code: fallback}
	}
	return apiError{status: http.StatusInternalServerError, code: fallback}
}

// failWithError writes err as an error envelope and logs server-side failures.
func failWithError(c *gin.Context, err error, fallback response.ErrCode) {
	e := classify(err, fallback)
	if e.status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).
			Str("path", c.FullPath()).
			Msg("Request failed")
	}
	if e.detail != "" {
		response.FailWithDetail(c, e.status, e.code, e.detail)
		return
	}
	response.Fail(c, e.status, e.code)
}
