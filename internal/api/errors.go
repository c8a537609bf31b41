package api

import (
	"errors"
	"net/http"
	"strconv"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`

	// Details carries extra machine-readable fields merged into the error
	// body, e.g. required/available for insufficient credits.
	Details map[string]any `json:"-"`

	// RetryAfter, when positive, is sent as a Retry-After header (seconds)
	// and echoed in the body.
	RetryAfter int `json:"-"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest         = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized       = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden          = &AppError{Code: http.StatusForbidden, Message: "forbidden"}
	ErrNotFound           = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrConflict           = &AppError{Code: http.StatusConflict, Message: "conflict"}
	ErrInternalServer     = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrInvalidCredentials = &AppError{Code: http.StatusUnauthorized, Message: "invalid email or password"}
	ErrEmailAlreadyExists = &AppError{Code: http.StatusConflict, Message: "email already registered"}
	ErrInvalidToken       = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrMaintenance        = &AppError{Code: http.StatusServiceUnavailable, Message: "system is under maintenance"}
	ErrValidation         = &AppError{Code: http.StatusBadRequest, Message: "validation error"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func NewForbiddenError(msg string) *AppError {
	return &AppError{Code: http.StatusForbidden, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
		}
		body := map[string]any{"error": appErr.Message}
		for k, v := range appErr.Details {
			body[k] = v
		}
		if appErr.RetryAfter > 0 {
			body["retry_after"] = appErr.RetryAfter
		}
		writeJSON(w, appErr.Code, body)
		return
	}
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
