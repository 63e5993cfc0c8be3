package sandbox

import (
	"os"
	"testing"
)

// The process backend re-executes the test binary as its init stage.
func TestMain(m *testing.M) {
	MaybeRunInit()
	os.Exit(m.Run())
}
