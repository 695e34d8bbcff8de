package domain

import "errors"

// Store outcomes shared by the repository and its consumers. Repository
// errors wrap one of these so callers can branch with errors.Is.
var (
	ErrNotFound        = errors.New("record not found")
	ErrConditionFailed = errors.New("condition failed")
	ErrDuplicate       = errors.New("duplicate record")
	ErrThrottled       = errors.New("store throttled")
)

// ErrInvalidCursor is returned for a history cursor the store did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")
