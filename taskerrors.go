package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FailureKind classifies task failures for the retry machinery
type FailureKind string

const (
	// FailureNotFound - referenced entity missing, terminal
	FailureNotFound FailureKind = "not_found"
	// FailureUpstream - remote 5xx/timeout, retryable per policy
	FailureUpstream FailureKind = "upstream"
	// FailureRateLimited - remote 429, rescheduled with the provider-supplied delay
	FailureRateLimited FailureKind = "rate_limited"
	// FailureValidation - bad input, terminal
	FailureValidation FailureKind = "validation"
	// FailureInternal - unexpected error, retryable per policy
	FailureInternal FailureKind = "internal"
)

// TaskError is the single error type crossing queue boundaries. Workers
// inspect the kind to decide between terminal failure, policy retry, and
// rate-limit rescheduling.
type TaskError struct {
	Kind       FailureKind
	Msg        string
	RetryAfter time.Duration // only meaningful for FailureRateLimited
	Err        error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Terminal reports whether the failure must not be retried
func (e *TaskError) Terminal() bool {
	return e.Kind == FailureNotFound || e.Kind == FailureValidation
}

// NotFoundError builds a terminal not-found task error
func NotFoundError(format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: FailureNotFound, Msg: fmt.Sprintf(format, args...)}
}

// UpstreamError builds a retryable upstream task error
func UpstreamError(err error, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: FailureUpstream, Msg: fmt.Sprintf(format, args...), Err: err}
}

// RateLimitedError builds a rate-limited task error carrying the
// provider-supplied retry-after delay
func RateLimitedError(retryAfter time.Duration, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: FailureRateLimited, Msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// ValidationError builds a terminal validation task error
func ValidationError(format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: FailureValidation, Msg: fmt.Sprintf(format, args...)}
}

// InternalError wraps an unexpected error as a retryable internal failure
func InternalError(err error) *TaskError {
	return &TaskError{Kind: FailureInternal, Msg: "unexpected error", Err: err}
}

// AsTaskError coerces any error into a TaskError. Unknown errors become
// internal failures so they keep flowing through the retry policy.
func AsTaskError(err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TaskError{Kind: FailureUpstream, Msg: "deadline exceeded", Err: err}
	}
	return InternalError(err)
}

// classifyFetchStatus maps an HTTP status from an article fetch to the
// failure classes accumulated by the scan pipeline
func classifyFetchStatus(statusCode int) string {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return FailureHTTP429
	case statusCode == http.StatusForbidden || statusCode == http.StatusUnauthorized:
		return FailureHTTP403
	case statusCode >= 500:
		return FailureHTTP500
	default:
		return FailureOther
	}
}

// Scan failure classes, accumulated per source and fed into the diagnosis
// heuristics
const (
	FailureHTTP500   = "http_500"
	FailureHTTP403   = "http_403"
	FailureHTTP429   = "http_429"
	FailureTimeout   = "timeout"
	FailureNoContent = "no_content"
	FailureOther     = "other"
)
