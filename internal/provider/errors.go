package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrorType is the fine-grained cause of a provider failure.
type ErrorType string

const (
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypeTransient     ErrorType = "transient"
	ErrorTypeOverloaded    ErrorType = "overloaded"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeEmptyResponse ErrorType = "empty_response"
	ErrorTypeAuth          ErrorType = "auth"
	ErrorTypeBadRequest    ErrorType = "bad_request"
	ErrorTypePolicy        ErrorType = "policy"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeUnavailable   ErrorType = "unavailable"
	ErrorTypeUnknown       ErrorType = "unknown"
)

// Kind is the coarse retry classification the loop acts on.
type Kind string

const (
	KindRetryable Kind = "provider_retryable"
	KindPermanent Kind = "provider_permanent"
)

// Error is a classified provider failure.
type Error struct {
	Type       ErrorType
	Provider   string
	StatusCode int
	Message    string
	Err        error
	// AfterFirstChunk marks a stream that failed after output was delivered.
	// Such failures are never retried or failed over.
	AfterFirstChunk bool
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Type))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the retry classification.
func (e *Error) Kind() Kind {
	if e.Retryable() {
		return KindRetryable
	}
	return KindPermanent
}

// Retryable reports whether another attempt (or the next provider) may succeed.
func (e *Error) Retryable() bool {
	if e.AfterFirstChunk {
		return false
	}
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadRequest, ErrorTypePolicy, ErrorTypeNotFound:
		return false
	default:
		return true
	}
}

// NewError creates a classified error.
func NewError(providerID string, t ErrorType, msg string) *Error {
	return &Error{Type: t, Provider: providerID, Message: msg}
}

// IsRetryable reports whether err is a retryable provider error. Context
// cancellation is never retryable; unclassified errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// KindOf returns the classification of err ("" for nil).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if IsRetryable(err) {
		return KindRetryable
	}
	return KindPermanent
}

// TypeOf returns the ErrorType of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrorTypeUnknown
}

// ClassifyStatus maps an HTTP status code and body to a classified error.
func ClassifyStatus(providerID string, status int, body string) *Error {
	e := &Error{Provider: providerID, StatusCode: status, Message: truncate(body, 300)}
	lower := strings.ToLower(body)
	switch {
	case status == 429:
		e.Type = ErrorTypeRateLimit
	case status == 408 || status == 504:
		e.Type = ErrorTypeTimeout
	case status == 529 || strings.Contains(lower, "overloaded"):
		e.Type = ErrorTypeOverloaded
	case status == 401 || status == 403:
		e.Type = ErrorTypeAuth
	case status == 404:
		e.Type = ErrorTypeNotFound
	case status == 400 || status == 413 || status == 422:
		if strings.Contains(lower, "safety") || strings.Contains(lower, "content policy") || strings.Contains(lower, "content_filter") {
			e.Type = ErrorTypePolicy
		} else {
			e.Type = ErrorTypeBadRequest
		}
	case status >= 500:
		e.Type = ErrorTypeTransient
	default:
		e.Type = ErrorTypeUnknown
	}
	return e
}

// statusPattern finds "status 429" style codes and the SDK format
// `POST "https://...": 429 Too Many Requests`.
var statusPattern = regexp.MustCompile(`(?i)(?:status(?: code)?[:= ]*|": )([45]\d\d)\b`)

// ClassifyError turns an arbitrary SDK/transport error into a classified
// *Error. Context errors are returned untouched so callers can tell
// cancellation apart from provider failures.
func ClassifyError(providerID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = providerID
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrorTypeTimeout, Provider: providerID, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Type: ErrorTypeTimeout, Provider: providerID, Err: err}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			ce := ClassifyStatus(providerID, code, msg)
			ce.Err = err
			return ce
		}
	}
	t := ErrorTypeUnknown
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		t = ErrorTypeRateLimit
	case strings.Contains(lower, "overloaded"):
		t = ErrorTypeOverloaded
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		t = ErrorTypeTimeout
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "eof"), strings.Contains(lower, "no such host"), strings.Contains(lower, "broken pipe"):
		t = ErrorTypeTransient
	case strings.Contains(lower, "api key"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "permission denied"):
		t = ErrorTypeAuth
	case strings.Contains(lower, "invalid request"), strings.Contains(lower, "invalid_request"):
		t = ErrorTypeBadRequest
	case strings.Contains(lower, "model") && strings.Contains(lower, "not found"):
		t = ErrorTypeNotFound
	case strings.Contains(lower, "safety"), strings.Contains(lower, "blocked"):
		t = ErrorTypePolicy
	}
	return &Error{Type: t, Provider: providerID, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
