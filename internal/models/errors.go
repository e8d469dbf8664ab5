package models

import "errors"

// Sentinel errors shared across components so the HTTP layer can map them
// to status codes without string matching.
var (
	ErrNotFound             = errors.New("trip request not found")
	ErrStateConflict        = errors.New("operation not allowed in current state")
	ErrBatchAlreadyOpen     = errors.New("an open batch already exists for this trip request")
	ErrBatchNotFound        = errors.New("dispatch batch not found")
	ErrNoProvidersAvailable = errors.New("no providers available at pickup location")
	ErrNotOffered           = errors.New("driver was not offered this batch")
	ErrOtpMismatch          = errors.New("otp mismatch")
	ErrOtpExpired           = errors.New("otp expired")
	ErrOtpRateLimited       = errors.New("otp regeneration rate limited")
	ErrNotAssignedDriver    = errors.New("driver is not assigned to this trip")
)
