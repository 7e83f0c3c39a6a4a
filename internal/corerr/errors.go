// Package corerr defines the closed error taxonomy shared by every core
// component: a typed failure kind with category, severity, and retry hint,
// plus a correlation id that never leaks into user-facing text.
package corerr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind is one of the closed set of failure kinds. The set is exhaustive;
// callers switch on it, never compare against ad-hoc strings.
type Kind string

const (
	Authentication        Kind = "authentication"
	Authorization          Kind = "authorization"
	Validation             Kind = "validation"
	RateLimit              Kind = "rate_limit"
	ExternalAPI            Kind = "external_api"
	Database               Kind = "database"
	SpecialistTimeout      Kind = "specialist_timeout"
	SpecialistUnavailable  Kind = "specialist_unavailable"
	Cache                  Kind = "cache"
	Configuration          Kind = "configuration"
	BusinessLogic          Kind = "business_logic"
	System                 Kind = "system"
)

// Category groups kinds for coarse-grained handling (logging buckets,
// metrics labels).
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryRateLimit  Category = "rate_limit"
	CategoryExternal   Category = "external"
	CategoryStorage    Category = "storage"
	CategoryAgent      Category = "agent"
	CategoryCache      Category = "cache"
	CategorySystem     Category = "system"
	CategoryDomain     Category = "domain"
)

// Severity is a coarse operator-facing urgency signal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type kindMeta struct {
	category   Category
	severity   Severity
	retryable  bool
}

var metaTable = map[Kind]kindMeta{
	Authentication:        {CategoryAuth, SeverityMedium, false},
	Authorization:         {CategoryAuth, SeverityMedium, false},
	Validation:            {CategoryValidation, SeverityLow, false},
	RateLimit:             {CategoryRateLimit, SeverityLow, true},
	ExternalAPI:           {CategoryExternal, SeverityMedium, true}, // conditional on status; see Retryable
	Database:              {CategoryStorage, SeverityHigh, true},
	SpecialistTimeout:     {CategoryAgent, SeverityMedium, false},
	SpecialistUnavailable: {CategoryAgent, SeverityMedium, true},
	Cache:                 {CategoryCache, SeverityLow, true},
	Configuration:         {CategorySystem, SeverityCritical, false},
	BusinessLogic:         {CategoryDomain, SeverityLow, false},
	System:                {CategorySystem, SeverityHigh, false},
}

// Error is the concrete typed error every public core operation returns
// instead of an opaque error value. Exactly one Kind per Error.
type Error struct {
	Kind             Kind          `json:"kind"`
	Category         Category      `json:"category"`
	Severity         Severity      `json:"severity"`
	UserMessage      string        `json:"user_message"`
	InternalMessage  string        `json:"-"` // never serialized outward
	Details          map[string]any `json:"details,omitempty"`
	RetryAfter       time.Duration `json:"retry_after,omitempty"`
	ErrorID          string        `json:"error_id"`
	cause            error
}

func (e *Error) Error() string {
	if e.InternalMessage != "" {
		return fmt.Sprintf("%s: %s (error_id=%s)", e.Kind, e.InternalMessage, e.ErrorID)
	}
	return fmt.Sprintf("%s (error_id=%s)", e.Kind, e.ErrorID)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the caller may retry this error. ExternalAPI is
// conditional on the HTTP-ish status captured in Details["status"]; callers
// that only have the Error value (no raw status) should treat its general
// retryable default as true for 5xx-shaped failures and false otherwise —
// New callers that know the status should set it via WithStatus.
func (e *Error) Retryable() bool {
	if e.Kind == ExternalAPI {
		if status, ok := e.Details["status"].(int); ok {
			return status == 429 || status == 502 || status == 503 || status == 504 || status >= 500
		}
	}
	return metaTable[e.Kind].retryable
}

// New constructs a typed Error of the given kind, wrapping cause for
// internal diagnostics (never surfaced to user_message) and assigning a
// fresh correlation id.
func New(kind Kind, userMessage string, cause error) *Error {
	meta, ok := metaTable[kind]
	if !ok {
		meta = metaTable[System]
	}
	internal := userMessage
	if cause != nil {
		internal = errors.Wrap(cause, userMessage).Error()
	}
	return &Error{
		Kind:            kind,
		Category:        meta.category,
		Severity:        meta.severity,
		UserMessage:     userMessage,
		InternalMessage: internal,
		ErrorID:         uuid.NewString(),
		cause:           cause,
	}
}

// Newf is New with a formatted user message.
func Newf(kind Kind, cause error, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), cause)
}

// WithDetails attaches structured context and returns the same Error for
// chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRetryAfter sets the retry-after hint (meaningful for RateLimit).
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithStatus records an upstream HTTP-ish status code used by Retryable
// when Kind is ExternalAPI.
func (e *Error) WithStatus(status int) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details["status"] = status
	return e
}

// As reports whether err is (or wraps) a *Error of the given kind.
func As(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind carried by err, if err is (or wraps) a *Error.
// Callers that need to preserve a typed failure reason across a boundary
// that only has room for a plain string (e.g. TaskResult.Err) should carry
// this alongside the string instead of re-deriving it with string matching.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}

// MarshalJSON omits InternalMessage by construction (its json tag is "-")
// so typed errors are always safe to hand to a transport-layer encoder.
var _ json.Marshaler = (*Error)(nil)

func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal((*alias)(e))
}
