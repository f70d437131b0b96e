// Package apierr implements the gateway's single error response shape and
// status/type/code taxonomy (spec §6, §7).
package apierr

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Type is the taxonomy bucket an error belongs to.
type Type string

const (
	TypeAuth           Type = "authentication_error"
	TypePermission     Type = "permission_error"
	TypeInvalidRequest Type = "invalid_request_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeBilling        Type = "billing_error"
	TypeNotFound       Type = "not_found_error"
	TypeAPI            Type = "api_error"
	TypeServiceDown    Type = "service_unavailable_error"
	TypeIdempotency    Type = "idempotency_error"
)

// Error is the envelope written to clients on every failure path.
type Error struct {
	Status    int    `json:"-"`
	Message   string `json:"-"`
	ErrType   Type   `json:"-"`
	Code      string `json:"-"`
	Param     string `json:"-"`
	RequestID string `json:"-"`
}

func (e *Error) Error() string { return e.Message }

type body struct {
	Error struct {
		Message string `json:"message"`
		Type    Type   `json:"type"`
		Code    string `json:"code"`
		Param   string `json:"param,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// New builds an Error for the given status/type/code/message.
func New(status int, typ Type, code, message string) *Error {
	return &Error{Status: status, ErrType: typ, Code: code, Message: message}
}

// WithParam attaches the offending parameter name (e.g. "minute").
func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

// WithRequestID stamps the request id that will be echoed in the body.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// Write renders the error envelope to w.
func Write(w http.ResponseWriter, e *Error) {
	var b body
	b.Error.Message = e.Message
	b.Error.Type = e.ErrType
	b.Error.Code = e.Code
	b.Error.Param = e.Param
	b.RequestID = e.RequestID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(b)
}

// Common constructors matching the status -> (type, code) mapping in spec §6.

func InvalidFormat(msg string) *Error {
	return New(http.StatusUnauthorized, TypeAuth, "invalid_api_key", msg)
}

func InvalidRequest(code, msg string) *Error {
	return New(http.StatusBadRequest, TypeInvalidRequest, code, msg)
}

func Permission(code, msg string) *Error {
	return New(http.StatusForbidden, TypePermission, code, msg)
}

func NotFound(msg string) *Error {
	return New(http.StatusNotFound, TypeNotFound, "not_found", msg)
}

func RateLimited(msg, param string) *Error {
	return New(http.StatusTooManyRequests, TypeRateLimit, "rate_limit_exceeded", msg).WithParam(param)
}

func ConcurrencyLimited(msg string) *Error {
	return New(http.StatusTooManyRequests, TypeRateLimit, "concurrency_limit_exceeded", msg)
}

func DisputePending(msg string) *Error {
	return New(http.StatusPaymentRequired, TypeBilling, "dispute_pending", msg)
}

func PaymentRequired(msg string) *Error {
	return New(http.StatusPaymentRequired, TypeBilling, "payment_required", msg)
}

func BillingUnavailable(msg string) *Error {
	return New(http.StatusServiceUnavailable, TypeServiceDown, "billing_unavailable", msg)
}

func CircuitOpen(msg string) *Error {
	return New(http.StatusServiceUnavailable, TypeServiceDown, "circuit_breaker_open", msg)
}

func UpstreamError(status int, msg string) *Error {
	return New(http.StatusBadGateway, TypeAPI, "upstream_error", msg)
}

func IdempotentReplayOnStream(msg string) *Error {
	return New(http.StatusConflict, TypeIdempotency, "idempotent_replay_not_supported", msg)
}

func Internal(msg string) *Error {
	return New(http.StatusInternalServerError, TypeAPI, "internal_error", msg)
}

// FromSentinel maps one of the pipeline packages' "category:code" sentinel
// errors (auth.authError, modelaccess.accessError, proxy.dispatchError, ...)
// onto the status/type taxonomy in spec §7. Every admission-stage package
// follows the same "category:code" string shape, so a single mapper covers
// all of them instead of a type switch per package.
func FromSentinel(err error, msg string) *Error {
	category, code, found := strings.Cut(err.Error(), ":")
	if !found {
		code = category
	}
	switch category {
	case "auth_error":
		return New(http.StatusUnauthorized, TypeAuth, code, msg)
	case "permission_error":
		return New(http.StatusForbidden, TypePermission, code, msg)
	case "invalid_request_error", "proxy_error":
		return New(http.StatusBadRequest, TypeInvalidRequest, code, msg)
	case "rate_limit_error":
		return New(http.StatusTooManyRequests, TypeRateLimit, code, msg)
	case "billing_error":
		return New(http.StatusPaymentRequired, TypeBilling, code, msg)
	case "not_found_error":
		return New(http.StatusNotFound, TypeNotFound, code, msg)
	case "service_unavailable_error":
		return New(http.StatusServiceUnavailable, TypeServiceDown, code, msg)
	case "api_error":
		return New(http.StatusServiceUnavailable, TypeServiceDown, code, msg)
	default:
		return Internal(msg)
	}
}
