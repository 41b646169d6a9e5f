// Package testutil provides fixture helpers shared by the readings
// service's package-level tests.
package testutil

import "testing"

// DataDir returns a fresh temporary directory to use as a catalogue's
// DataDir, cleaned up automatically when the test completes.
func DataDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
