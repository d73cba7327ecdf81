package mjpeg

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"math"
	"net"
	"net/url"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"video-adapter/config"
	"video-adapter/media"
)

// Scheme is the target URL scheme served by Streamer.
const Scheme = "rtp"

const defaultFPS = 25

var (
	errBadTarget      = errors.New("rtp target must look like rtp://host:port")
	errSinkNotStarted = errors.New("rtp sink not started")
)

// Streamer opens RTP/JPEG sinks for rtp://host:port targets.
type Streamer struct {
	cfg    config.RTPConfig
	logger *zap.Logger
}

// NewStreamer creates a sink opener with the configured MTU, quality and SSRC.
func NewStreamer(cfg config.RTPConfig, logger *zap.Logger) *Streamer {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	return &Streamer{cfg: cfg, logger: logger}
}

// OpenSink resolves the destination. The socket is opened by Start.
func (s *Streamer) OpenSink(opts media.SinkOptions) (media.Sink, error) {
	u, err := url.Parse(opts.Target)
	if err != nil || !strings.EqualFold(u.Scheme, Scheme) || u.Port() == "" {
		return nil, fmt.Errorf("%w: %q", errBadTarget, opts.Target)
	}
	dest, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination address: %w", err)
	}

	fps := opts.Geometry.FrameRate
	if fps <= 0 || math.IsNaN(fps) {
		fps = defaultFPS
	}
	return &Sink{
		dest:       dest,
		quality:    s.cfg.Quality,
		tsStep:     uint32(math.Round(ClockRate / fps)),
		packetizer: NewPacketizer(s.cfg.SSRC, s.cfg.PayloadType, s.cfg.MTU),
		logger:     s.logger.With(zap.String("dest", dest.String())),
	}, nil
}

// Sink encodes frames to JPEG and sends them as RTP over UDP.
type Sink struct {
	dest       *net.UDPAddr
	quality    int
	tsStep     uint32
	packetizer *Packetizer
	logger     *zap.Logger

	conn    *net.UDPConn
	buf     bytes.Buffer
	frames  uint32
	started atomic.Bool

	sendErrors atomic.Uint64
}

// StreamerStats holds sink statistics
type StreamerStats struct {
	PacketizerStats
	SendErrors uint64 `json:"send_errors"`
}

func (s *Sink) Start() error {
	if s.started.Load() {
		return nil
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}
	s.conn = conn
	s.started.Store(true)

	s.logger.Info("MJPEG-RTP sink started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.Int("quality", s.quality))
	return nil
}

// EncodeFrame sends f as one JPEG image. Frames are timestamped by count.
func (s *Sink) EncodeFrame(f media.Frame) error {
	if !s.started.Load() {
		return errSinkNotStarted
	}

	img, err := f.Image()
	if err != nil {
		return fmt.Errorf("frame to image: %w", err)
	}

	s.buf.Reset()
	if err := jpeg.Encode(&s.buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("jpeg encode: %w", err)
	}

	packets, err := s.packetizer.Packetize(s.buf.Bytes(), s.frames*s.tsStep)
	if err != nil {
		return fmt.Errorf("failed to packetize JPEG: %w", err)
	}
	s.frames++

	for i, pkt := range packets {
		if _, err := s.conn.WriteToUDP(pkt, s.dest); err != nil {
			s.sendErrors.Add(1)
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
	}
	return nil
}

func (s *Sink) EncodePacket(media.Packet) (bool, error) {
	return false, fmt.Errorf("rtp sink encodes frames: %w", media.ErrUnsupported)
}

// Stats returns sink statistics
func (s *Sink) Stats() StreamerStats {
	return StreamerStats{
		PacketizerStats: s.packetizer.Stats(),
		SendErrors:      s.sendErrors.Load(),
	}
}

func (s *Sink) Stop() error {
	if !s.started.Swap(false) {
		return nil
	}
	err := s.conn.Close()

	stats := s.Stats()
	s.logger.Info("MJPEG-RTP sink stopped",
		zap.Uint64("frames_sent", stats.FramesSent),
		zap.Uint64("rtp_packets", stats.PacketsSent),
		zap.Uint64("send_errors", stats.SendErrors))
	return err
}

func (s *Sink) Release() error { return nil }
