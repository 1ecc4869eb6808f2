package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancellable is returned when cancelling a job in a terminal state
	ErrJobNotCancellable = errors.New("job is not pending or running")

	// ErrInvalidStatus is returned for a status outside the job lifecycle
	ErrInvalidStatus = errors.New("invalid job status")
)
