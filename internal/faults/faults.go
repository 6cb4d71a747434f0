// Package faults holds the error shapes shared by the ballot and certification services.
package faults

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// ServiceError reports an infrastructure failure with an "operation.reason" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError coded as operation.reason.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ValidationError is a caller-facing rejection. Kind is a package sentinel so
// callers can match with errors.Is; Reason is human readable.
type ValidationError struct {
	kind   error
	reason string
}

func (e *ValidationError) Error() string {
	if e.reason == "" {
		return e.kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.kind.Error(), e.reason)
}

func (e *ValidationError) Unwrap() error {
	return e.kind
}

// Kind returns the sentinel the rejection wraps.
func (e *ValidationError) Kind() error {
	return e.kind
}

// Reason returns the human readable explanation.
func (e *ValidationError) Reason() string {
	if e.reason == "" {
		return e.kind.Error()
	}
	return e.reason
}

// Reject builds a ValidationError for the sentinel kind.
func Reject(kind error, format string, args ...any) error {
	return &ValidationError{kind: kind, reason: fmt.Sprintf(format, args...)}
}

// AsValidation unwraps err to a ValidationError when it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation, true
	}
	return nil, false
}

// IsUniqueViolation reports whether err came from a uniqueness constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
