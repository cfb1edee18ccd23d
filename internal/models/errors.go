package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes shared by the engine, the stores and the HTTP layer.
const (
	CodeInvalidInput            = "INVALID_INPUT"
	CodeNotFound                = "NOT_FOUND"
	CodeForbidden               = "FORBIDDEN"
	CodeConflict                = "CONFLICT"
	CodeContended               = "CONTENDED"
	CodeCollaboratorUnavailable = "COLLABORATOR_UNAVAILABLE"
	CodeInternal                = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so callers can write
// errors.Is(err, models.ErrConflict).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput = &AppError{Code: CodeInvalidInput, Message: "invalid input"}
	ErrNotFound     = &AppError{Code: CodeNotFound, Message: "not found"}
	ErrForbidden    = &AppError{Code: CodeForbidden, Message: "forbidden"}
	ErrConflict     = &AppError{Code: CodeConflict, Message: "version conflict"}
	ErrContended    = &AppError{Code: CodeContended, Message: "contended"}
	ErrUnavailable  = &AppError{Code: CodeCollaboratorUnavailable, Message: "collaborator unavailable"}
)

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
	}
}

func NewConflictError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: fmt.Sprintf("%s with ID %v was modified concurrently", resource, id),
	}
}

func NewContendedError(resource string, id interface{}, attempts int) *AppError {
	return &AppError{
		Code:    CodeContended,
		Message: fmt.Sprintf("%s with ID %v is contended, gave up after %d attempts", resource, id, attempts),
	}
}

func NewUnavailableError(collaborator string, err error) *AppError {
	return &AppError{
		Code:    CodeCollaboratorUnavailable,
		Message: collaborator + " unavailable",
		Err:     err,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// StatusFor maps an error to the HTTP status used to report it.
func StatusFor(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fiber.StatusInternalServerError
	}
	switch appErr.Code {
	case CodeInvalidInput:
		return fiber.StatusBadRequest
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeForbidden:
		return fiber.StatusForbidden
	case CodeConflict, CodeContended:
		return fiber.StatusConflict
	case CodeCollaboratorUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
		if appErr.Code == CodeContended {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}
