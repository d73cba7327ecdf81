package webrtc

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	vmedia "video-adapter/media"
)

var errSinkNotStarted = errors.New("webrtc sink not started")

// Sink feeds one stream's viewers.
type Sink struct {
	server   *Server
	stream   string
	duration time.Duration
	logger   *zap.Logger

	started atomic.Bool
	written atomic.Int64
}

func (s *Sink) Start() error {
	s.started.Store(true)
	s.logger.Info("WebRTC sink started", zap.Duration("sample_duration", s.duration))
	return nil
}

func (s *Sink) EncodeFrame(vmedia.Frame) error {
	return fmt.Errorf("webrtc sink takes compressed packets: %w", vmedia.ErrUnsupported)
}

// EncodePacket forwards p to the stream's viewers. A packet is accepted even
// when nobody is watching.
func (s *Sink) EncodePacket(p vmedia.Packet) (bool, error) {
	if !s.started.Load() {
		return false, errSinkNotStarted
	}
	s.server.broadcast(s.stream, p.Data(), s.duration)
	s.written.Add(1)
	return true, nil
}

func (s *Sink) Stop() error {
	if s.started.Swap(false) {
		s.logger.Info("WebRTC sink stopped", zap.Int64("packets", s.written.Load()))
	}
	return nil
}

func (s *Sink) Release() error { return nil }
