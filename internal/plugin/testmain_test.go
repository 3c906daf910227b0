package plugin_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no plugin worker goroutines leak across the package tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
