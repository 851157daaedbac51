package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"taskstream/domain"
	"taskstream/subscription"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusForError maps a domain error to its HTTP status and the stage name
// recorded in request metrics.
func statusForError(err error) (int, string) {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case domain.IsUnauthorized(err):
		return http.StatusUnauthorized, "auth"
	case domain.IsNotFound(err), errors.Is(err, subscription.ErrUnknownConnection):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return http.StatusConflict, "duplicate"
	case domain.IsUnavailable(err):
		return http.StatusServiceUnavailable, "store"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c echo.Context, err error) (int, string) {
	status, stage := statusForError(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		c.Logger().Error(err)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		c.Logger().Warn(err)
		msg = "store unavailable, retry later"
	}
	if werr := c.JSON(status, errorResponse{Error: msg}); werr != nil {
		c.Logger().Error(werr)
	}
	return status, stage
}
