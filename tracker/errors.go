package tracker

import "errors"

var (
	// ErrDuplicateJob is returned when a job ID is already tracked or was
	// tracked and retired earlier in this tracker's lifetime.
	ErrDuplicateJob = errors.New("job already tracked")

	// ErrUnknownTask is returned for a (job, worker) pair the tracker never created.
	ErrUnknownTask = errors.New("unknown task")

	// ErrMalformedResult is returned when a submission contains non-finite or
	// out-of-order samples. The whole submission is rejected.
	ErrMalformedResult = errors.New("malformed result")

	// ErrInvalidGroup is returned when a group cannot be created as requested.
	ErrInvalidGroup = errors.New("invalid group")
)
