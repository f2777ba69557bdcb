package verify

import "context"

// Camera is the device capture hardware. It is a shared resource: the
// controller acquires it for the duration of one capture/evaluate cycle and
// releases it on every exit path.
type Camera interface {
	// Acquire takes exclusive ownership of the camera.
	Acquire(ctx context.Context) error
	// Frame returns one captured frame as JPEG bytes.
	Frame(ctx context.Context) ([]byte, error)
	// Release stops capture and returns the camera. Safe to call when not held.
	Release()
}
