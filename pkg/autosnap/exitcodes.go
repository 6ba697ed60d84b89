package autosnap

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/function61/autosnap/pkg/snappolicy"
	"github.com/function61/autosnap/pkg/snaptypes"
)

// from sysexits.h, so that wrapping scripts and systemd can tell failures apart
const (
	exitFailure     = 1
	exitUnavailable = 69 // EX_UNAVAILABLE
	exitSoftware    = 70 // EX_SOFTWARE
	exitTempFail    = 75 // EX_TEMPFAIL
	exitConfig      = 78 // EX_CONFIG
)

// recovered panic
type internalError struct {
	recovered interface{}
	stack     []byte
}

func (i *internalError) Error() string {
	return fmt.Sprintf("internal error (this is a bug): %v\n%s", i.recovered, i.stack)
}

func exitCodeFor(err error) int {
	var parseErr *snappolicy.ParseError
	var internalErr *internalError

	switch {
	case err == nil:
		return 0
	case errors.As(err, &internalErr):
		return exitSoftware
	case errors.As(err, &parseErr), errors.Is(err, ErrBadConfig):
		return exitConfig
	case errors.Is(err, snaptypes.ErrToolMissing):
		return exitUnavailable
	case errors.Is(err, snaptypes.ErrAlreadyRunning):
		return exitTempFail
	default:
		return exitFailure
	}
}

// runs fn, turning a panic into an error
func guard(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &internalError{recovered, debug.Stack()}
		}
	}()

	return fn()
}

func exitIfError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)

	os.Exit(exitCodeFor(err))
}
