package engine

import "fmt"

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func UnknownTableError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_TABLE",
		Status:  404,
		Message: fmt.Sprintf("Unknown table: %s", name),
	}
}

func UnknownFieldError(table, field string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_FIELD",
		Status:  400,
		Message: fmt.Sprintf("Unknown field %s on table %s", field, table),
	}
}

func InvalidIdentifierError(name string) *AppError {
	return &AppError{
		Code:    "INVALID_IDENTIFIER",
		Status:  400,
		Message: fmt.Sprintf("Invalid identifier: %q", name),
	}
}

func NoMatchingColumnsError(table string) *AppError {
	return &AppError{
		Code:    "NO_MATCHING_COLUMNS",
		Status:  400,
		Message: fmt.Sprintf("No persistable columns in payload for table %s", table),
	}
}

func ConcurrencyConflictError(table, id string) *AppError {
	return &AppError{
		Code:    "CONCURRENCY_CONFLICT",
		Status:  409,
		Message: fmt.Sprintf("Row version mismatch for %s/%s", table, id),
	}
}

func UnsupportedError(msg string) *AppError {
	return &AppError{Code: "UNSUPPORTED", Status: 501, Message: msg}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func NotFoundError(table, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", table, id),
	}
}

func InvalidPayloadError(msg string) *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}
