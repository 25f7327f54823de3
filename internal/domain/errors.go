package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrSessionNotFound = errors.New("domain: session not found")

	// ErrNoCredential is the only failure the refresh path surfaces to callers:
	// the tenant has no usable credential and the user has to log in again.
	ErrNoCredential = errors.New("domain: login required")
)
