package testutil

import (
	"os"
	"testing"
)

// SkipIfNoNetwork skips the test if PIGEON_TEST_SKIP_NETWORK is set.
// Use this for tests that need loopback TCP, which may not be available
// in sandboxed environments.
func SkipIfNoNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("PIGEON_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: PIGEON_TEST_SKIP_NETWORK is set")
	}
}
