package stream

import (
	"sync/atomic"

	"video-adapter/media"
)

// Event carries one pulled unit to the listeners registered at dispatch
// time. Every listener must call Done exactly once; the handle is released
// when the last one does.
type Event struct {
	Adapter   string
	Timestamp int64

	handle  *Handle
	pending atomic.Int32
}

func newEvent(adapter string, h *Handle, timestamp int64, consumers int) *Event {
	ev := &Event{Adapter: adapter, Timestamp: timestamp, handle: h}
	ev.pending.Store(int32(consumers))
	return ev
}

// IsPacket reports whether this is a packet event.
func (e *Event) IsPacket() bool { return e.handle.IsPacket() }

// Frame returns the frame for frame events. It is valid until Done.
func (e *Event) Frame() media.Frame { return e.handle.Frame() }

// Packet returns the packet for packet events. It is valid until Done.
func (e *Event) Packet() media.Packet { return e.handle.Packet() }

// Pending returns the number of consumers that have not completed.
func (e *Event) Pending() int32 { return e.pending.Load() }

// Done marks one consumer as finished. Calls beyond the consumer count are
// ignored.
func (e *Event) Done() {
	for {
		n := e.pending.Load()
		if n <= 0 {
			return
		}
		if e.pending.CompareAndSwap(n, n-1) {
			if n == 1 {
				_ = e.handle.Release()
			}
			return
		}
	}
}
