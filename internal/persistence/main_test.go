package persistence

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/petrijr/durable/internal/testutil"
)

func TestMain(m *testing.M) {
	code := m.Run()
	if err := testutil.Terminate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "terminate test containers: %v\n", err)
	}
	os.Exit(code)
}
