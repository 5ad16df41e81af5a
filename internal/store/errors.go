package store

import "errors"

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrTokenNotFound       = errors.New("auth token not found")
	ErrInvalidState        = errors.New("invalid appointment state")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrForbidden           = errors.New("actor not allowed")
	ErrConflict            = errors.New("conflicts with terminal state")
)
