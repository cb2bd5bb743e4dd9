package transport

import (
	"errors"
	"testing"

	"mmdriver/internal/mm/mmerr"
)

// OpenI2C touches a real character device, so it isn't exercised here
// beyond confirming a missing path surfaces a wrapped transport error
// rather than a bare os error, matching the rest of the package's error
// taxonomy.
func TestOpenI2CMissingDeviceReturnsTransportError(t *testing.T) {
	_, err := OpenI2C("/dev/mm-does-not-exist")
	if err == nil {
		t.Fatal("expected an error opening a nonexistent i2c device")
	}
	if !errors.Is(err, mmerr.ErrTransportFailure) {
		t.Fatalf("expected a wrapped ErrTransportFailure, got %v", err)
	}
}
