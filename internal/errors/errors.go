// Package errors provides the typed error taxonomy used across the scheduler,
// the tool router and the provider transports.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================
// Error Categories
// ============================================================

// Category defines the type of error for handling decisions.
type Category int

const (
	// CategoryTemporary errors are retryable (network timeouts, 5xx, dropped pipes)
	CategoryTemporary Category = iota

	// CategoryPermanent errors are not retryable (unknown tool, unhealthy provider)
	CategoryPermanent

	// CategoryUser errors are due to caller input (bad arguments, bad config)
	CategoryUser

	// CategorySystem errors are system-level (subprocess spawn, disk)
	CategorySystem

	// CategoryRateLimit errors are due to provider rate limiting
	CategoryRateLimit
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTemporary:
		return "temporary"
	case CategoryPermanent:
		return "permanent"
	case CategoryUser:
		return "user"
	case CategorySystem:
		return "system"
	case CategoryRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// ============================================================
// AppError - Main Error Type
// ============================================================

// AppError is the error type returned by every component that can fail in a
// way the scheduler needs to classify.
type AppError struct {
	// Code is a unique error code for programmatic handling
	Code string

	// Message is an operator-facing message
	Message string

	// Category determines how the error should be handled
	Category Category

	// Inner is the underlying error
	Inner error

	// Retryable indicates if the operation can be retried
	Retryable bool

	// Suggestions are recovery hints surfaced in diagnostics
	Suggestions []string

	// Context is additional debugging information (provider, tool, attempt)
	Context map[string]interface{}

	// RetryAfter is the suggested delay before retry
	RetryAfter time.Duration
}

// Error returns the error message.
func (e *AppError) Error() string {
	var sb strings.Builder

	if e.Code != "" {
		sb.WriteString("[")
		sb.WriteString(e.Code)
		sb.WriteString("] ")
	}

	sb.WriteString(e.Message)

	if e.Inner != nil {
		innerMsg := e.Inner.Error()
		if innerMsg != "" && innerMsg != e.Message {
			sb.WriteString(": ")
			sb.WriteString(innerMsg)
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Inner
}

// Is reports whether target is an AppError with the same code, or is
// contained in the wrapped chain.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) && t.Code != "" && t.Code == e.Code {
		return true
	}
	return errors.Is(e.Inner, target)
}

// ============================================================
// Error Constructors
// ============================================================

// New creates a new AppError.
func New(code, message string, category Category) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
	}
}

// Wrap wraps an existing error with context.
func Wrap(err error, code, message string, category Category) *AppError {
	if err == nil {
		return nil
	}

	// If it's already an AppError, keep its retry semantics
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:        code,
			Message:     message,
			Category:    category,
			Inner:       appErr,
			Retryable:   appErr.Retryable,
			Suggestions: appErr.Suggestions,
			Context:     appErr.Context,
		}
	}

	return &AppError{
		Code:      code,
		Message:   message,
		Category:  category,
		Inner:     err,
		Retryable: category == CategoryTemporary || category == CategoryRateLimit,
	}
}

// Temporary creates a retryable temporary error.
func Temporary(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategoryTemporary,
		Retryable: true,
	}
}

// Permanent creates a non-retryable permanent error.
func Permanent(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategoryPermanent,
		Retryable: false,
	}
}

// User creates a caller input error.
func User(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategoryUser,
		Retryable: false,
	}
}

// System creates a system-level error.
func System(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategorySystem,
		Retryable: false,
	}
}

// ============================================================
// Provider / Tool Constructors
// ============================================================

// ProviderTransient reports a failure that is worth retrying: connection
// resets, 5xx responses, a subprocess pipe that closed mid-call.
func ProviderTransient(provider string, inner error) *AppError {
	return NewBuilder(CodeProviderTransient, "provider call failed").
		Temporary().
		Wrap(inner).
		WithContext("provider", provider).
		Build()
}

// ProviderRateLimited reports a provider that refused the call for now.
// Retries wait at least retryAfter when it is known.
func ProviderRateLimited(provider string, inner error, retryAfter time.Duration) *AppError {
	b := NewBuilder(CodeProviderTransient, "provider rate limited the call").
		RateLimited().
		Wrap(inner).
		WithContext("provider", provider).
		WithRetryAfter(retryAfter)
	if retryAfter > 0 {
		b.WithSuggestion(fmt.Sprintf("Wait %s before retrying", retryAfter))
	}
	return b.Build()
}

// ProviderFatal reports a provider that can no longer be used until it is
// reconnected.
func ProviderFatal(provider string, inner error) *AppError {
	return NewBuilder(CodeProviderFatal, "provider failed permanently").
		Permanent().
		Wrap(inner).
		WithContext("provider", provider).
		WithSuggestion("Reconnect the provider or check its health").
		Build()
}

// ProviderUnhealthy is returned without contacting a provider whose circuit
// is open.
func ProviderUnhealthy(provider string) *AppError {
	return NewBuilder(CodeProviderUnhealthy, "provider is marked unhealthy").
		Permanent().
		WithContext("provider", provider).
		WithSuggestion("Wait for the health check to reconnect it").
		Build()
}

// Malformed reports a response that could not be decoded.
func Malformed(provider string, inner error) *AppError {
	return NewBuilder(CodeProviderMalformed, "malformed provider response").
		Permanent().
		Wrap(inner).
		WithContext("provider", provider).
		Build()
}

// ToolTimeout reports a call that exceeded its deadline. It is retryable.
func ToolTimeout(tool string, after time.Duration) *AppError {
	return NewBuilder(CodeToolTimeout, fmt.Sprintf("tool call timed out after %s", after)).
		Temporary().
		WithContext("tool", tool).
		Build()
}

// ToolNotFound reports an unknown namespaced tool name.
func ToolNotFound(tool string) *AppError {
	return NewBuilder(CodeToolNotFound, "tool not found: "+tool).
		Permanent().
		WithContext("tool", tool).
		Build()
}

// ============================================================
// Builder Pattern for Fluent Error Construction
// ============================================================

// Builder provides fluent error construction.
type Builder struct {
	err *AppError
}

// NewBuilder starts building a new error.
func NewBuilder(code, message string) *Builder {
	return &Builder{
		err: &AppError{
			Code:     code,
			Message:  message,
			Category: CategoryTemporary,
			Context:  make(map[string]interface{}),
		},
	}
}

// Temporary marks the error as temporary/retryable.
func (b *Builder) Temporary() *Builder {
	b.err.Category = CategoryTemporary
	b.err.Retryable = true
	return b
}

// Permanent marks the error as permanent/non-retryable.
func (b *Builder) Permanent() *Builder {
	b.err.Category = CategoryPermanent
	b.err.Retryable = false
	return b
}

// RateLimited marks the error as a retryable rate limit.
func (b *Builder) RateLimited() *Builder {
	b.err.Category = CategoryRateLimit
	b.err.Retryable = true
	return b
}

// User marks the error as a caller input error.
func (b *Builder) User() *Builder {
	b.err.Category = CategoryUser
	b.err.Retryable = false
	return b
}

// System marks the error as a system error.
func (b *Builder) System() *Builder {
	b.err.Category = CategorySystem
	b.err.Retryable = false
	return b
}

// Wrap sets the underlying error.
func (b *Builder) Wrap(err error) *Builder {
	b.err.Inner = err
	return b
}

// WithSuggestion adds a recovery suggestion.
func (b *Builder) WithSuggestion(suggestion string) *Builder {
	b.err.Suggestions = append(b.err.Suggestions, suggestion)
	return b
}

// WithContext adds context information.
func (b *Builder) WithContext(key string, value interface{}) *Builder {
	b.err.Context[key] = value
	return b
}

// WithRetryAfter sets the suggested retry delay.
func (b *Builder) WithRetryAfter(duration time.Duration) *Builder {
	b.err.RetryAfter = duration
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *AppError {
	return b.err
}

// ============================================================
// Error Codes
// ============================================================

const (
	// Provider errors
	CodeProviderTransient = "PROVIDER_TRANSIENT"
	CodeProviderFatal     = "PROVIDER_FATAL"
	CodeProviderUnhealthy = "PROVIDER_UNHEALTHY"
	CodeProviderMalformed = "PROVIDER_MALFORMED"
	CodeProviderExists    = "PROVIDER_EXISTS"
	CodeProviderNotFound  = "PROVIDER_NOT_FOUND"
	CodeProviderConnect   = "PROVIDER_CONNECT_FAILED"

	// Tool errors
	CodeToolNotFound        = "TOOL_NOT_FOUND"
	CodeToolExecutionFailed = "TOOL_EXECUTION_FAILED"
	CodeToolTimeout         = "TOOL_TIMEOUT"
	CodeToolInvalidParams   = "TOOL_INVALID_PARAMS"

	// Model errors
	CodeModelUnavailable     = "MODEL_UNAVAILABLE"
	CodeModelInvalidResponse = "MODEL_INVALID_RESPONSE"

	// Task errors
	CodeTaskUnknownType = "TASK_UNKNOWN_TYPE"
	CodeTaskPanicked    = "TASK_PANICKED"

	// Storage errors
	CodeStoreFailed = "STORE_FAILED"

	// Config errors
	CodeConfigInvalid = "CONFIG_INVALID"
)

// ============================================================
// Helpers
// ============================================================

// GetCode extracts the code from an error, or "" for foreign errors.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Inner
	}
	return false
}

// GetCategory extracts the category from an error.
// Returns CategoryTemporary for non-AppError errors.
func GetCategory(err error) Category {
	if err == nil {
		return CategoryTemporary
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}

	// Default to temporary for unknown errors (safe default)
	return CategoryTemporary
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}

	// Default to retryable for unknown errors
	return true
}

// GetRetryAfter returns the suggested retry duration.
func GetRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}

	return 0
}

// FormatUserMessage formats an operator-facing message with suggestions.
func FormatUserMessage(err error) string {
	if err == nil {
		return ""
	}

	var sb strings.Builder

	var appErr *AppError
	if errors.As(err, &appErr) {
		sb.WriteString(appErr.Error())

		if len(appErr.Suggestions) > 0 {
			sb.WriteString(" (")
			sb.WriteString(strings.Join(appErr.Suggestions, "; "))
			sb.WriteString(")")
		}

		return sb.String()
	}

	return err.Error()
}
