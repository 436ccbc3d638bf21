package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for fleet operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeConflict        ErrorCode = 1002
	ErrCodeValidation      ErrorCode = 1003
	ErrCodeQuotaExceeded   ErrorCode = 1004
	ErrCodeCooldown        ErrorCode = 1005
	ErrCodeJobInProgress   ErrorCode = 1006

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnreachable       ErrorCode = 2001
	ErrCodeLedgerUnavailable ErrorCode = 2002
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeConflict:
		return "conflict"
	case ErrCodeValidation:
		return "validation"
	case ErrCodeQuotaExceeded:
		return "quota_exceeded"
	case ErrCodeCooldown:
		return "cooldown"
	case ErrCodeJobInProgress:
		return "job_in_progress"
	case ErrCodeUnreachable:
		return "unreachable"
	case ErrCodeLedgerUnavailable:
		return "ledger_unavailable"
	default:
		return "internal"
	}
}

// FleetError represents a structured error with code and context
type FleetError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *FleetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *FleetError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts FleetError to gRPC status
func (e *FleetError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *FleetError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeValidation:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeConflict:
		return codes.AlreadyExists
	case ErrCodeQuotaExceeded:
		return codes.ResourceExhausted
	case ErrCodeCooldown, ErrCodeJobInProgress:
		return codes.FailedPrecondition
	case ErrCodeUnreachable, ErrCodeLedgerUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// ToHTTPStatus maps the error code to the admin API response status
func (e *FleetError) ToHTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeValidation, ErrCodeCooldown, ErrCodeQuotaExceeded:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeJobInProgress:
		return http.StatusConflict
	case ErrCodeUnreachable:
		return http.StatusBadGateway
	case ErrCodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewFleetError creates a new FleetError
func NewFleetError(code ErrorCode, message string, cause error) *FleetError {
	return &FleetError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *FleetError) WithDetail(key string, value interface{}) *FleetError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *FleetError {
	return NewFleetError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(kind, id string) *FleetError {
	return NewFleetError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func Conflict(message string, cause error) *FleetError {
	return NewFleetError(ErrCodeConflict, message, cause)
}

func Validation(message string) *FleetError {
	return NewFleetError(ErrCodeValidation, message, nil)
}

func QuotaExceeded(used, quota int64) *FleetError {
	return NewFleetError(ErrCodeQuotaExceeded, fmt.Sprintf("usage %d reached quota %d", used, quota), nil).
		WithDetail("used", used).
		WithDetail("quota", quota)
}

func Cooldown(message string) *FleetError {
	return NewFleetError(ErrCodeCooldown, message, nil)
}

func JobInProgress(job string) *FleetError {
	return NewFleetError(ErrCodeJobInProgress, fmt.Sprintf("job %s is already running", job), nil).
		WithDetail("job", job)
}

func InternalError(message string, cause error) *FleetError {
	return NewFleetError(ErrCodeInternal, message, cause)
}

func Unreachable(target string, cause error) *FleetError {
	return NewFleetError(ErrCodeUnreachable, fmt.Sprintf("node %s unreachable", target), cause).
		WithDetail("target", target)
}

func LedgerUnavailable(message string, cause error) *FleetError {
	return NewFleetError(ErrCodeLedgerUnavailable, message, cause)
}

// FromGRPC converts a transport error returned by a node agent into a FleetError
func FromGRPC(target string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Unreachable(target, err)
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.AlreadyExists:
		return Conflict(st.Message(), err).WithDetail("target", target)
	case codes.NotFound:
		return NewFleetError(ErrCodeNotFound, st.Message(), err).WithDetail("target", target)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return Unreachable(target, err)
	case codes.InvalidArgument:
		return InvalidArgument(st.Message(), err).WithDetail("target", target)
	default:
		return InternalError(st.Message(), err).WithDetail("target", target)
	}
}

// IsFleetError checks if an error is a FleetError
func IsFleetError(err error) bool {
	var fe *FleetError
	return stderrors.As(err, &fe)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var fe *FleetError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeInternal
}

func IsNotFound(err error) bool    { return err != nil && GetCode(err) == ErrCodeNotFound }
func IsConflict(err error) bool    { return err != nil && GetCode(err) == ErrCodeConflict }
func IsUnreachable(err error) bool { return err != nil && GetCode(err) == ErrCodeUnreachable }
func IsCooldown(err error) bool    { return err != nil && GetCode(err) == ErrCodeCooldown }

// HTTPStatus returns the admin API status for any error
func HTTPStatus(err error) int {
	var fe *FleetError
	if stderrors.As(err, &fe) {
		return fe.ToHTTPStatus()
	}
	return http.StatusInternalServerError
}
