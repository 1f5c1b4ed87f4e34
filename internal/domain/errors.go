package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound          = errors.New("domain: not found")
	ErrConflict          = errors.New("domain: conflict")
	ErrForbidden         = errors.New("domain: forbidden")
	ErrInvalidTransition = errors.New("domain: invalid state transition")
	ErrUnknownEventKind  = errors.New("domain: unknown event kind")
)
