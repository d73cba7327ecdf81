package ffmpeg

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"go.uber.org/zap"

	"video-adapter/media"
)

// maxReadsPerFrame bounds how many packets one frame pull may consume
// before giving up with an empty result.
const maxReadsPerFrame = 64

// Source reads the first video stream of an input.
type Source struct {
	uri      string
	mode     media.Mode
	fc       *astiav.FormatContext
	stream   *astiav.Stream
	dec      *astiav.CodecContext
	pkt      *astiav.Packet
	geometry media.Geometry
	ts       int64
	logger   *zap.Logger
}

func openSource(uri string, opts media.SourceOptions, logger *zap.Logger) (*Source, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("AllocFormatContext returned nil")
	}

	dict := astiav.NewDictionary()
	defer dict.Free()
	transport := opts.Transport
	if transport == "" {
		transport = "tcp"
	}
	_ = dict.Set("rtsp_transport", transport, 0)
	for k, v := range opts.Options {
		_ = dict.Set(k, v, 0)
	}

	if err := fc.OpenInput(uri, nil, dict); err != nil {
		fc.Free()
		return nil, fmt.Errorf("OpenInput(%s): %w", uri, err)
	}

	s := &Source{uri: uri, mode: opts.Mode, fc: fc, logger: logger}
	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("Source opened",
		zap.String("uri", uri),
		zap.String("mode", opts.Mode.String()),
		zap.String("codec", s.stream.CodecParameters().CodecID().String()),
		zap.Int("width", s.geometry.Width),
		zap.Int("height", s.geometry.Height),
		zap.Float64("fps", s.geometry.FrameRate))
	return s, nil
}

func (s *Source) init() error {
	if err := s.fc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("FindStreamInfo: %w", err)
	}

	for _, st := range s.fc.Streams() {
		par := st.CodecParameters()
		switch par.MediaType() {
		case astiav.MediaTypeVideo:
			if s.stream == nil {
				s.stream = st
			}
		case astiav.MediaTypeAudio:
			if s.geometry.AudioChannels == 0 {
				s.geometry.AudioChannels = par.ChannelLayout().Channels()
			}
		}
	}
	if s.stream == nil {
		return fmt.Errorf("no video stream in %s", s.uri)
	}

	par := s.stream.CodecParameters()
	s.geometry.Width = par.Width()
	s.geometry.Height = par.Height()
	if r := s.stream.AvgFrameRate(); r.Den() != 0 {
		s.geometry.FrameRate = float64(r.Num()) / float64(r.Den())
	}

	s.pkt = astiav.AllocPacket()
	if s.mode != media.ModeFrame {
		return nil
	}

	codec := astiav.FindDecoder(par.CodecID())
	if codec == nil {
		return fmt.Errorf("no decoder for %s", par.CodecID())
	}
	s.dec = astiav.AllocCodecContext(codec)
	if s.dec == nil {
		return errors.New("AllocCodecContext returned nil")
	}
	if err := par.ToCodecContext(s.dec); err != nil {
		return fmt.Errorf("ToCodecContext: %w", err)
	}
	if err := s.dec.Open(codec, nil); err != nil {
		return fmt.Errorf("decoder Open: %w", err)
	}
	return nil
}

// readVideo reads packets into pkt until one belongs to the video stream.
func (s *Source) readVideo(pkt *astiav.Packet) error {
	for {
		if err := s.fc.ReadFrame(pkt); err != nil {
			return err
		}
		if pkt.StreamIndex() == s.stream.Index() {
			return nil
		}
		pkt.Unref()
	}
}

// PullFrame decodes the next video frame. End of input yields (nil, nil).
func (s *Source) PullFrame() (media.Frame, error) {
	if s.dec == nil {
		return nil, fmt.Errorf("source opened in %s mode: %w", s.mode, media.ErrUnsupported)
	}

	frame := astiav.AllocFrame()
	for i := 0; i < maxReadsPerFrame; i++ {
		err := s.dec.ReceiveFrame(frame)
		if err == nil {
			s.setTimestamp(frame.Pts())
			return &Frame{frame: frame}, nil
		}
		if !errors.Is(err, astiav.ErrEagain) {
			frame.Free()
			if isEOF(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("ReceiveFrame: %w", err)
		}

		if err := s.readVideo(s.pkt); err != nil {
			frame.Free()
			if isEOF(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("ReadFrame: %w", err)
		}
		err = s.dec.SendPacket(s.pkt)
		s.pkt.Unref()
		if err != nil && !errors.Is(err, astiav.ErrEagain) {
			frame.Free()
			return nil, fmt.Errorf("SendPacket: %w", err)
		}
	}

	frame.Free()
	return nil, nil
}

// PullPacket returns the next compressed video packet. End of input yields (nil, nil).
func (s *Source) PullPacket() (media.Packet, error) {
	pkt := astiav.AllocPacket()
	if err := s.readVideo(pkt); err != nil {
		pkt.Free()
		if isEOF(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ReadFrame: %w", err)
	}
	s.setTimestamp(pkt.Pts())
	return &Packet{pkt: pkt, timeBase: s.stream.TimeBase()}, nil
}

// setTimestamp records pts in microseconds. Unset timestamps are negative and ignored.
func (s *Source) setTimestamp(pts int64) {
	if pts < 0 {
		return
	}
	tb := s.stream.TimeBase()
	if tb.Den() == 0 {
		return
	}
	s.ts = int64(float64(pts) * float64(tb.Num()) / float64(tb.Den()) * 1e6)
}

func (s *Source) Timestamp() int64 { return s.ts }

func (s *Source) Geometry() media.Geometry { return s.geometry }

func (s *Source) Close() error {
	if s.dec != nil {
		s.dec.Free()
		s.dec = nil
	}
	if s.pkt != nil {
		s.pkt.Free()
		s.pkt = nil
	}
	if s.fc != nil {
		s.fc.CloseInput()
		s.fc.Free()
		s.fc = nil
	}
	s.logger.Info("Source closed", zap.String("uri", s.uri))
	return nil
}
