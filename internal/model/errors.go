package model

import "errors"

// Error taxonomy shared across the pipeline. Components wrap these with
// fmt.Errorf("...: %w", ...) and callers match with errors.Is.
var (
	// ErrTransientIO marks network/storage hiccups that are retried locally.
	ErrTransientIO = errors.New("transient io")

	// ErrMalformedInput marks feed input that is dropped and counted.
	ErrMalformedInput = errors.New("malformed input")

	// ErrConfiguration is fatal at startup (cyclic DAG, missing credential, ...).
	ErrConfiguration = errors.New("configuration error")

	// ErrCapacityExceeded marks data dropped because a bounded buffer overflowed.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInsufficientHistory means a feature could not be computed yet.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrLateTick marks a tick whose interval was already sealed or past grace.
	ErrLateTick = errors.New("late tick")
)
