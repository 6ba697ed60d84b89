package runlock

import (
	"errors"
)

func TryAcquire(path string) (func() error, error) {
	return nil, errors.New("run lock not supported on Windows")
}
