// Package ffmpeg implements media.Engine on top of FFmpeg through go-astiav.
package ffmpeg

import (
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"go.uber.org/zap"

	"video-adapter/media"
)

var errForeignBuffer = errors.New("ffmpeg: buffer was not produced by this engine")

// Engine opens FFmpeg sources and sinks.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates an engine and quiets FFmpeg's own logging to errors.
func NewEngine(logger *zap.Logger) *Engine {
	astiav.SetLogLevel(astiav.LogLevelError)
	return &Engine{logger: logger}
}

func (e *Engine) OpenSource(uri string, opts media.SourceOptions) (media.Source, error) {
	return openSource(uri, opts, e.logger)
}

func (e *Engine) OpenSink(opts media.SinkOptions) (media.Sink, error) {
	return openSink(opts, e.logger)
}

// RetainPacket references p's buffer from a newly allocated packet.
func (e *Engine) RetainPacket(p media.Packet) (media.Packet, error) {
	src, ok := p.(*Packet)
	if !ok {
		return nil, errForeignBuffer
	}

	dst := astiav.AllocPacket()
	if err := dst.Ref(src.pkt); err != nil {
		dst.Free()
		return nil, fmt.Errorf("failed to reference packet: %w", err)
	}
	return &Packet{pkt: dst, timeBase: src.timeBase}, nil
}

func (e *Engine) ReleasePacket(p media.Packet) {
	if pk, ok := p.(*Packet); ok && pk.pkt != nil {
		pk.pkt.Free()
		pk.pkt = nil
	}
}

// CloneFrame references f's picture from a newly allocated frame.
func (e *Engine) CloneFrame(f media.Frame) (media.Frame, error) {
	src, ok := f.(*Frame)
	if !ok {
		return nil, errForeignBuffer
	}

	dst := astiav.AllocFrame()
	if err := dst.Ref(src.frame); err != nil {
		dst.Free()
		return nil, fmt.Errorf("failed to reference frame: %w", err)
	}
	return &Frame{frame: dst}, nil
}

func (e *Engine) ReleaseFrame(f media.Frame) {
	if fr, ok := f.(*Frame); ok && fr.frame != nil {
		fr.frame.Free()
		fr.frame = nil
	}
}

func isEOF(err error) bool {
	return errors.Is(err, astiav.ErrEof) || errors.Is(err, io.EOF)
}
