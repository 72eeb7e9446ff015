package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindPolicyRejected       Kind = "policy_rejected"
	KindValidationFailed     Kind = "validation_failed"
	KindUpstreamUnreachable  Kind = "upstream_unreachable"
	KindUpstreamTimeout      Kind = "upstream_timeout"
	KindConfigurationInvalid Kind = "configuration_invalid"
	KindInternal             Kind = "internal"
)

// FieldError describes a single failed rule, usually from request validation.
type FieldError struct {
	Entry   string `json:"entry,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// GatewayError is an error that is rendered to clients as {"errors":[...]}.
type GatewayError struct {
	Code      int
	Kind      Kind
	Message   string
	Details   string
	Fields    []FieldError
	RequestID string

	underlying error
}

type wireEntry struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Entry   string `json:"entry,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

type wireBody struct {
	Errors    []wireEntry `json:"errors"`
	RequestID string      `json:"request_id,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Body returns the JSON document sent to the client.
func (e *GatewayError) Body() []byte {
	if pre, ok := preSerialized[e]; ok {
		return pre
	}
	b, _ := json.Marshal(e.wire())
	return append(b, '\n')
}

func (e *GatewayError) wire() wireBody {
	body := wireBody{RequestID: e.RequestID}
	if len(e.Fields) == 0 {
		body.Errors = []wireEntry{{Kind: e.Kind, Message: e.Message, Details: e.Details}}
		return body
	}
	body.Errors = make([]wireEntry, 0, len(e.Fields))
	for _, f := range e.Fields {
		body.Errors = append(body.Errors, wireEntry{
			Kind:    e.Kind,
			Message: f.Message,
			Entry:   f.Entry,
			Rule:    f.Rule,
		})
	}
	return body
}

// WriteJSON writes the error as JSON to the response.
// Base singletons use pre-serialized bodies.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	w.Write(e.Body())
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Kind:    KindNotFound,
		Message: "API not found",
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Kind:    KindPolicyRejected,
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Kind:    KindPolicyRejected,
		Message: "Forbidden",
	}

	ErrConflict = &GatewayError{
		Code:    http.StatusConflict,
		Kind:    KindPolicyRejected,
		Message: "Conflict",
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Kind:    KindValidationFailed,
		Message: "Bad Request",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Kind:    KindUpstreamUnreachable,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Kind:    KindUpstreamTimeout,
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Kind:    KindInternal,
		Message: "Internal Server Error",
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Kind:    KindValidationFailed,
		Message: "Request Entity Too Large",
	}
)

var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrUnauthorized, ErrForbidden, ErrConflict,
		ErrBadRequest, ErrBadGateway, ErrGatewayTimeout,
		ErrInternalServer, ErrRequestEntityTooLarge,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e.wire())
		preSerialized[e] = append(b, '\n')
	}
}

// New creates a new GatewayError.
func New(code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with a client facing message.
func Wrap(err error, code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// Invalid reports a configuration that failed write-time validation.
func Invalid(format string, args ...any) *GatewayError {
	return &GatewayError{
		Code:    http.StatusUnprocessableEntity,
		Kind:    KindConfigurationInvalid,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithFields attaches a list of rule failures.
func (e *GatewayError) WithFields(fields []FieldError) *GatewayError {
	c := e.clone()
	c.Fields = fields
	return c
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// WithCause records the underlying cause without exposing it to clients.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := e.clone()
	c.underlying = err
	return c
}

// As extracts a GatewayError from err's chain.
func As(err error) (*GatewayError, bool) {
	for err != nil {
		if ge, ok := err.(*GatewayError); ok {
			return ge, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Is reports whether err is a GatewayError of the given kind.
func Is(err error, kind Kind) bool {
	ge, ok := As(err)
	return ok && ge.Kind == kind
}
