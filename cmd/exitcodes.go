package main

import (
	"errors"

	"github.com/sells-group/coolsite/internal/graph"
	"github.com/sells-group/coolsite/internal/osmnet"
)

// Process exit codes.
const (
	exitOK          = 0
	exitGeneral     = 1
	exitConfig      = 2
	exitAcquisition = 3
	exitTopology    = 4
	exitInput       = 5
)

// configError marks configuration and flag problems.
type configError struct{ err error }

func (e *configError) Error() string { return "config: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// inputError marks unreadable or invalid demand, site, boundary or matrix
// input.
type inputError struct{ err error }

func (e *inputError) Error() string { return "input: " + e.err.Error() }
func (e *inputError) Unwrap() error { return e.err }

func asInput(err error) error {
	if err == nil {
		return nil
	}
	return &inputError{err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		ce  *configError
		ie  *inputError
		acq *osmnet.AcquisitionError
		top *graph.TopologyError
	)
	switch {
	case errors.As(err, &ce):
		return exitConfig
	case errors.As(err, &acq):
		return exitAcquisition
	case errors.As(err, &top):
		return exitTopology
	case errors.As(err, &ie):
		return exitInput
	}
	return exitGeneral
}
