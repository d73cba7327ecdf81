// Package media describes the capabilities the pipeline needs from a native
// multimedia engine: pulling from a remote source, pushing to a sink, and
// managing the lifetime of native frame and packet buffers.
package media

import (
	"errors"
	"image"
)

// ErrUnsupported is returned by sinks that cannot accept a unit kind.
var ErrUnsupported = errors.New("media: operation not supported by sink")

// Mode selects what the source yields on each pull.
type Mode int

const (
	// ModeFrame pulls decoded frames.
	ModeFrame Mode = iota
	// ModePacket pulls compressed packets without decoding.
	ModePacket
)

func (m Mode) String() string {
	switch m {
	case ModeFrame:
		return "frame"
	case ModePacket:
		return "packet"
	default:
		return "unknown"
	}
}

// Geometry is what sinks need to know about the source stream.
type Geometry struct {
	Width         int
	Height        int
	FrameRate     float64
	AudioChannels int
}

// Frame is a decoded picture owned by the engine.
type Frame interface {
	Width() int
	Height() int
	// Image renders the frame into a Go image. The result does not alias
	// native memory.
	Image() (image.Image, error)
}

// Packet is a compressed unit owned by the engine.
type Packet interface {
	Size() int
	Data() []byte
	Keyframe() bool
}

// SourceOptions configures OpenSource.
type SourceOptions struct {
	Mode Mode
	// Transport is the RTSP lower transport hint ("tcp" or "udp").
	Transport string
	Options   map[string]string
}

// Source is an opened remote stream. A nil unit with a nil error means the
// pull produced nothing.
type Source interface {
	PullFrame() (Frame, error)
	PullPacket() (Packet, error)
	// Timestamp of the last pulled unit, in microseconds.
	Timestamp() int64
	Geometry() Geometry
	Close() error
}

// SinkOptions configures OpenSink.
type SinkOptions struct {
	// Target is a network URL or a file path.
	Target   string
	Format   string
	Preset   string
	Mode     Mode
	Geometry Geometry
	// Source is the stream being re-muxed. Engines may use it to copy codec
	// parameters in packet mode.
	Source Source
}

// Sink is an encoder/muxer bound to one destination.
type Sink interface {
	Start() error
	EncodeFrame(f Frame) error
	// EncodePacket reports whether the packet was accepted.
	EncodePacket(p Packet) (bool, error)
	Stop() error
	Release() error
}

// SinkOpener opens sinks.
type SinkOpener interface {
	OpenSink(opts SinkOptions) (Sink, error)
}

// Engine is the full native capability set.
type Engine interface {
	SinkOpener
	OpenSource(uri string, opts SourceOptions) (Source, error)
	// RetainPacket adds a reference to p's buffer and returns a new packet
	// that owns that reference.
	RetainPacket(p Packet) (Packet, error)
	ReleasePacket(p Packet)
	CloneFrame(f Frame) (Frame, error)
	ReleaseFrame(f Frame)
}
