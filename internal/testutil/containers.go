package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/testcontainers/testcontainers-go"
)

var (
	containersMu sync.Mutex
	containers   []testcontainers.Container
)

func track(c testcontainers.Container) {
	containersMu.Lock()
	containers = append(containers, c)
	containersMu.Unlock()
}

// Terminate stops every container started by this package. Call it from
// TestMain once the package's tests have run; the shared addresses are dead
// afterwards.
func Terminate(ctx context.Context) error {
	containersMu.Lock()
	cs := containers
	containers = nil
	containersMu.Unlock()

	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Terminate(ctx))
	}
	return errors.Join(errs...)
}
