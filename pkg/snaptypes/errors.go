package snaptypes

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrToolMissing     = errors.New("required external tool not found")
	ErrAlreadyRunning  = errors.New("another run is already in progress")
	ErrBatchLimit      = errors.New("too many arguments for a single invocation")
	ErrDatasetNotFound = errors.New("dataset not found")
)

// external command failed
type ExecError struct {
	Argv       []string
	ExitStatus int // -1 if the process didn't get to exit (e.g. killed)
	Stderr     string
	Err        error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf(
		"%s: exit status %d: %s",
		strings.Join(e.Argv, " "),
		e.ExitStatus,
		strings.TrimSpace(e.Stderr))
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// lets errors.Is(err, ErrBatchLimit) recognize the tool's "too many arguments" signal
func (e *ExecError) Is(target error) bool {
	return target == ErrBatchLimit && LooksLikeBatchLimit(e.Stderr)
}

var batchLimitSignals = []string{
	"argument list too long",
	"too many arguments",
}

func LooksLikeBatchLimit(output string) bool {
	lowered := strings.ToLower(output)

	for _, signal := range batchLimitSignals {
		if strings.Contains(lowered, signal) {
			return true
		}
	}

	return false
}
