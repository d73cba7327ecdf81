package stream

import (
	"sync/atomic"

	"video-adapter/media"
)

// Handle owns one native frame or packet and frees it when the last
// reference is released.
type Handle struct {
	frame  media.Frame
	packet media.Packet
	free   func()
	refs   atomic.Int32
}

// NewFrameHandle wraps f with a single reference. free is called once, when
// the count drops to zero.
func NewFrameHandle(f media.Frame, free func(media.Frame)) *Handle {
	h := &Handle{frame: f, free: func() { free(f) }}
	h.refs.Store(1)
	return h
}

// NewPacketHandle wraps p with a single reference.
func NewPacketHandle(p media.Packet, free func(media.Packet)) *Handle {
	h := &Handle{packet: p, free: func() { free(p) }}
	h.refs.Store(1)
	return h
}

// Frame returns the wrapped frame, or nil for packet handles.
func (h *Handle) Frame() media.Frame { return h.frame }

// Packet returns the wrapped packet, or nil for frame handles.
func (h *Handle) Packet() media.Packet { return h.packet }

// IsPacket reports whether the handle wraps a packet.
func (h *Handle) IsPacket() bool { return h.packet != nil }

// Refs returns the current reference count.
func (h *Handle) Refs() int32 { return h.refs.Load() }

// Retain adds a reference. Retaining a released handle fails.
func (h *Handle) Retain() error {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return ErrAlreadyReleased
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference and frees the native buffer on the 1 -> 0
// transition. Releasing past zero returns ErrAlreadyReleased and frees
// nothing.
func (h *Handle) Release() error {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return ErrAlreadyReleased
		}
		if h.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				h.free()
			}
			return nil
		}
	}
}
