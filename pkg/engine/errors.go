package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error by the boundary that produced it.
type ErrorKind string

const (
	// ErrorKindUsage indicates invalid command-line invocation. Terminates the process.
	ErrorKindUsage ErrorKind = "usage"

	// ErrorKindSpecFormat indicates a structurally invalid RemoteSpec, job table or
	// URL template.
	ErrorKindSpecFormat ErrorKind = "spec_format"

	// ErrorKindRPC indicates a failed request to the coordination endpoint:
	// transport failure, timeout or non-success status.
	ErrorKindRPC ErrorKind = "rpc"

	// ErrorKindJobLoad indicates a job entry whose spec could not be located or parsed.
	// Recorded per job; never aborts a cycle.
	ErrorKindJobLoad ErrorKind = "job_load"

	// ErrorKindHandler indicates a failure raised while inspecting or applying a job.
	ErrorKindHandler ErrorKind = "handler"
)

// Error is a classified error with context.
// nolint:revive // engine.Error reads naturally at call sites
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Job is the job name the error belongs to, if any.
	Job string `json:"job,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Job != "" {
		msg = fmt.Sprintf("job %s: %s", e.Job, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports equality on kind and code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewUsageError creates a new usage error.
func NewUsageError(message string, err error) *Error {
	return &Error{Kind: ErrorKindUsage, Message: message, Err: err}
}

// NewSpecFormatError creates a new spec format error.
func NewSpecFormatError(message string, err error) *Error {
	return &Error{Kind: ErrorKindSpecFormat, Message: message, Err: err}
}

// NewRPCError creates a new RPC error.
func NewRPCError(message string, err error) *Error {
	return &Error{Kind: ErrorKindRPC, Message: message, Err: err}
}

// NewJobLoadError creates a new job load error for the named job.
func NewJobLoadError(job, message string, err error) *Error {
	return &Error{Kind: ErrorKindJobLoad, Message: message, Job: job, Err: err}
}

// NewHandlerError creates a new handler error.
func NewHandlerError(message string, err error) *Error {
	return &Error{Kind: ErrorKindHandler, Message: message, Err: err}
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithJob attaches the job name.
func (e *Error) WithJob(job string) *Error {
	e.Job = job
	return e
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsUsage returns true if the error is a usage error.
func IsUsage(err error) bool { return isKind(err, ErrorKindUsage) }

// IsSpecFormat returns true if the error is a spec format error.
func IsSpecFormat(err error) bool { return isKind(err, ErrorKindSpecFormat) }

// IsRPC returns true if the error is an RPC error.
func IsRPC(err error) bool { return isKind(err, ErrorKindRPC) }

// IsJobLoad returns true if the error is a job load error.
func IsJobLoad(err error) bool { return isKind(err, ErrorKindJobLoad) }

// IsHandler returns true if the error is a handler error.
func IsHandler(err error) bool { return isKind(err, ErrorKindHandler) }

// CodeOf returns the code of the first classified error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeMalformed        = "MALFORMED"
	ErrCodeMissingField     = "MISSING_FIELD"
	ErrCodeTemplate         = "TEMPLATE"
	ErrCodeTransport        = "TRANSPORT"
	ErrCodeHTTPStatus       = "HTTP_STATUS"
	ErrCodeDecode           = "DECODE"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeUnknownComponent = "UNKNOWN_COMPONENT"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeContract         = "CONTRACT_VIOLATION"
	ErrCodeCancelled        = "CANCELLED"
)
