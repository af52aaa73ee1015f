package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Domain errors
var (
	ErrPlayerNotFound        = errors.New("player not found")
	ErrQuestNotFound         = errors.New("quest not found")
	ErrGameNotFound          = errors.New("game not found")
	ErrQuestAlreadyActive    = errors.New("quest already active for this player")
	ErrQuestAlreadyCompleted = errors.New("quest already completed by this player")
	ErrQuestNotActive        = errors.New("quest is not active for this player")
	ErrInvalidTransition     = errors.New("invalid quest status transition")
	ErrInvalidPoints         = errors.New("points must be positive")
	ErrValidation            = errors.New("validation failed")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrForbidden             = errors.New("forbidden")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrUpstream              = errors.New("upstream service unavailable, try again later")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInternalError         = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrQuestNotFound) ||
		errors.Is(err, ErrGameNotFound)
}

// IsConflictError reports whether err is a quest state-machine guard failure.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrQuestAlreadyActive) ||
		errors.Is(err, ErrQuestAlreadyCompleted) ||
		errors.Is(err, ErrQuestNotActive) ||
		errors.Is(err, ErrInvalidTransition)
}

// ValidationError carries field-level messages for a rejected input.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RateLimitError is returned when a player exhausted the upstream request quota.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %ds", ErrRateLimited, e.RetryAfterSeconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below one.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
