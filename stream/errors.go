package stream

import "errors"

var (
	// ErrPathCollision is returned when a directory the adapter needs exists
	// as a non-directory.
	ErrPathCollision = errors.New("stream: path exists and is not a directory")
	// ErrSinkNotOpen is returned by Listener.Start when its sink could not be
	// constructed.
	ErrSinkNotOpen = errors.New("stream: sink not ready")
	// ErrNotRunning is returned for operations that need a running adapter.
	ErrNotRunning = errors.New("stream: adapter not running")
	// ErrAlreadyRunning is returned by a second Run call.
	ErrAlreadyRunning = errors.New("stream: adapter already running")
	// ErrAlreadyReleased is returned when a handle or event is completed past
	// zero.
	ErrAlreadyReleased = errors.New("stream: buffer already released")
	ErrAdapterExists   = errors.New("stream: adapter already registered")
	ErrAdapterNotFound = errors.New("stream: adapter not found")
	// ErrRegistryClosed is returned by starts after Registry.Close.
	ErrRegistryClosed = errors.New("stream: registry closed")
)
