package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotImplemented    ErrCode = "NotImplemented"
	ErrCodeNotFound          ErrCode = "NotFound"
	ErrCodeForbidden         ErrCode = "Forbidden"
	ErrCodeUnauthenticated   ErrCode = "Unauthenticated"
	ErrCodeAccessDenied      ErrCode = "AccessDenied"
	ErrCodeServiceFailure    ErrCode = "ServiceFailure"
	ErrCodeAPIBadRequest     ErrCode = "BadRequest"
	ErrCodeDependencyFailure ErrCode = "DepedencyFailure"
	ErrCodeExisted           ErrCode = "Existed"
	ErrCodeConflict          ErrCode = "Conflict"
	ErrCodeOversized         ErrCode = "Oversized"
	ErrCodeThrottled         ErrCode = "Throttled"
)

// Err is the error type vended by pinvault components. Reason is only set on AccessDenied errors and
// carries the policy state which denied the access, e.g. "revoked"
type Err struct {
	Code   ErrCode
	Reason string
	msg    string
	cause  error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the stacktrace associated with the error
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	indent := "\n\t"
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString(indent)
		b.WriteString("Caused by: ")
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
		indent += "\t"
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

func (e *Err) WithMsg(m string) *Err {
	e.msg = m
	return e
}

// prefer NewXXX(msg) over NewXXX(msg, cause) since the latter's method signature has less
// readability - user needs to look up docs to know the 2nd param is for cause, while the first one can use
// WithCause() to be explicit
func NewServiceFailure(m string) *Err {
	return &Err{
		Code: ErrCodeServiceFailure,
		msg:  m,
	}
}

func NewDependencyFailure(m string) *Err {
	return &Err{
		Code: ErrCodeDependencyFailure,
		msg:  m,
	}
}

func NewNotFound(m string) *Err {
	return &Err{
		Code: ErrCodeNotFound,
		msg:  m,
	}
}

func NewForbidden(m string) *Err {
	return &Err{
		Code: ErrCodeForbidden,
		msg:  m,
	}
}

func NewUnauthenticated(m string) *Err {
	return &Err{
		Code: ErrCodeUnauthenticated,
		msg:  m,
	}
}

// NewAccessDenied returns the error for an access attempt rejected by an artifact's access policy or
// recipient directory. The reason is never merged into a generic message.
func NewAccessDenied(reason string) *Err {
	return &Err{
		Code:   ErrCodeAccessDenied,
		Reason: reason,
		msg:    "access denied: " + reason,
	}
}

func NewBadInput(m string) *Err {
	return &Err{
		Code: ErrCodeAPIBadRequest,
		msg:  m,
	}
}

func NewConflict(m string) *Err {
	return &Err{
		Code: ErrCodeConflict,
		msg:  m,
	}
}

func NewOversized() *Err {
	return &Err{
		Code: ErrCodeOversized,
		msg:  "data oversized",
	}
}

func NewNotImplemented() *Err {
	return &Err{
		Code: ErrCodeNotImplemented,
		msg:  "Not implemented",
	}
}

func NewThrottled() *Err {
	return &Err{
		Code: ErrCodeThrottled,
		msg:  "too many requests",
	}
}

func NewExisted(m string) *Err {
	return &Err{
		Code: ErrCodeExisted,
		msg:  m,
	}
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAPIBadRequest:
		return http.StatusBadRequest
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeAccessDenied:
		return http.StatusForbidden
	case ErrCodeExisted, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeOversized:
		return http.StatusRequestEntityTooLarge
	case ErrCodeThrottled:
		return http.StatusTooManyRequests
	case ErrCodeNotImplemented:
		return http.StatusNotImplemented
	case ErrCodeDependencyFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err is an *Err of the given code anywhere in its chain
func Is(err error, code ErrCode) bool {
	var e *Err
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
