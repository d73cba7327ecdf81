package ffmpeg

import (
	"errors"
	"fmt"
	"math"

	"github.com/asticode/go-astiav"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"video-adapter/media"
)

const (
	defaultFormat    = "flv"
	defaultPreset    = "ultrafast"
	defaultFrameRate = 25
)

var errSinkNotStarted = errors.New("sink not started")

// Sink muxes into a file or network target. Packet mode stream-copies the
// source's video codec; frame mode encodes H.264.
type Sink struct {
	opts    media.SinkOptions
	fc      *astiav.FormatContext
	pb      *astiav.IOContext
	stream  *astiav.Stream
	enc     *astiav.CodecContext
	pkt     *astiav.Packet
	frame   *astiav.Frame
	nextPts int64
	started bool
	logger  *zap.Logger
}

func openSink(opts media.SinkOptions, logger *zap.Logger) (*Sink, error) {
	if opts.Format == "" {
		opts.Format = defaultFormat
	}
	if opts.Preset == "" {
		opts.Preset = defaultPreset
	}

	fc, err := astiav.AllocOutputFormatContext(nil, opts.Format, opts.Target)
	if err != nil {
		return nil, fmt.Errorf("AllocOutputFormatContext(%s, %s): %w", opts.Format, opts.Target, err)
	}
	if fc == nil {
		return nil, errors.New("AllocOutputFormatContext returned nil")
	}

	s := &Sink{
		opts:   opts,
		fc:     fc,
		pkt:    astiav.AllocPacket(),
		logger: logger.With(zap.String("target", opts.Target)),
	}

	s.stream = fc.NewStream(nil)
	if s.stream == nil {
		_ = s.Release()
		return nil, errors.New("NewStream returned nil")
	}

	switch opts.Mode {
	case media.ModePacket:
		err = s.initCopy()
	default:
		err = s.initEncoder()
	}
	if err != nil {
		_ = s.Release()
		return nil, err
	}
	return s, nil
}

func (s *Sink) initCopy() error {
	src, ok := s.opts.Source.(*Source)
	if !ok || src.stream == nil {
		return fmt.Errorf("stream copy needs an ffmpeg source: %w", media.ErrUnsupported)
	}

	if err := src.stream.CodecParameters().Copy(s.stream.CodecParameters()); err != nil {
		return fmt.Errorf("copy codec parameters: %w", err)
	}
	s.stream.CodecParameters().SetCodecTag(0)
	s.stream.SetTimeBase(src.stream.TimeBase())
	return nil
}

func (s *Sink) initEncoder() error {
	codec := astiav.FindEncoderByName("libx264")
	if codec == nil {
		codec = astiav.FindEncoder(astiav.CodecIDH264)
	}
	if codec == nil {
		return errors.New("no H.264 encoder available")
	}

	s.enc = astiav.AllocCodecContext(codec)
	if s.enc == nil {
		return errors.New("AllocCodecContext returned nil")
	}

	fps := int(math.Round(s.opts.Geometry.FrameRate))
	if fps <= 0 {
		fps = defaultFrameRate
	}
	pixFmt := astiav.PixelFormatYuv420P
	if src, ok := s.opts.Source.(*Source); ok && src.dec != nil {
		pixFmt = src.dec.PixelFormat()
	}

	s.enc.SetWidth(s.opts.Geometry.Width)
	s.enc.SetHeight(s.opts.Geometry.Height)
	s.enc.SetPixelFormat(pixFmt)
	s.enc.SetTimeBase(astiav.NewRational(1, fps))
	s.enc.SetFramerate(astiav.NewRational(fps, 1))
	if s.fc.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader) {
		s.enc.SetFlags(astiav.NewCodecContextFlags(astiav.CodecContextFlagGlobalHeader))
	}

	dict := astiav.NewDictionary()
	defer dict.Free()
	_ = dict.Set("preset", s.opts.Preset, 0)
	_ = dict.Set("tune", "zerolatency", 0)

	if err := s.enc.Open(codec, dict); err != nil {
		return fmt.Errorf("encoder Open: %w", err)
	}
	if err := s.enc.ToCodecParameters(s.stream.CodecParameters()); err != nil {
		return fmt.Errorf("ToCodecParameters: %w", err)
	}
	s.stream.SetTimeBase(s.enc.TimeBase())
	s.frame = astiav.AllocFrame()
	return nil
}

// Start opens the target and writes the container header.
func (s *Sink) Start() error {
	if s.started {
		return nil
	}

	if !s.fc.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		pb, err := astiav.OpenIOContext(s.opts.Target, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
		if err != nil {
			return fmt.Errorf("OpenIOContext(%s): %w", s.opts.Target, err)
		}
		s.pb = pb
		s.fc.SetPb(pb)
	}

	if err := s.fc.WriteHeader(nil); err != nil {
		return fmt.Errorf("WriteHeader: %w", err)
	}
	s.started = true
	s.logger.Info("Sink started",
		zap.String("format", s.opts.Format),
		zap.String("mode", s.opts.Mode.String()))
	return nil
}

func (s *Sink) EncodePacket(p media.Packet) (bool, error) {
	if !s.started {
		return false, errSinkNotStarted
	}
	if s.enc != nil {
		return false, fmt.Errorf("sink encodes frames: %w", media.ErrUnsupported)
	}
	src, ok := p.(*Packet)
	if !ok {
		return false, errForeignBuffer
	}

	if err := s.pkt.Ref(src.pkt); err != nil {
		return false, fmt.Errorf("failed to reference packet: %w", err)
	}
	defer s.pkt.Unref()

	s.pkt.RescaleTs(src.timeBase, s.stream.TimeBase())
	s.pkt.SetStreamIndex(s.stream.Index())
	s.pkt.SetPos(-1)
	if err := s.fc.WriteInterleavedFrame(s.pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return false, fmt.Errorf("WriteInterleavedFrame: %w", err)
	}
	return true, nil
}

func (s *Sink) EncodeFrame(f media.Frame) error {
	if !s.started {
		return errSinkNotStarted
	}
	if s.enc == nil {
		return fmt.Errorf("sink copies packets: %w", media.ErrUnsupported)
	}
	src, ok := f.(*Frame)
	if !ok {
		return errForeignBuffer
	}

	// The decoded frame is shared with other listeners, so timestamps go
	// on a private reference.
	if err := s.frame.Ref(src.frame); err != nil {
		return fmt.Errorf("failed to reference frame: %w", err)
	}
	s.frame.SetPts(s.nextPts)
	s.nextPts++
	err := s.enc.SendFrame(s.frame)
	s.frame.Unref()
	if err != nil && !errors.Is(err, astiav.ErrEagain) {
		return fmt.Errorf("SendFrame: %w", err)
	}
	return s.drain()
}

// drain writes every packet the encoder has ready.
func (s *Sink) drain() error {
	for {
		if err := s.enc.ReceivePacket(s.pkt); err != nil {
			if errors.Is(err, astiav.ErrEagain) || isEOF(err) {
				return nil
			}
			return fmt.Errorf("ReceivePacket: %w", err)
		}
		s.pkt.RescaleTs(s.enc.TimeBase(), s.stream.TimeBase())
		s.pkt.SetStreamIndex(s.stream.Index())
		err := s.fc.WriteInterleavedFrame(s.pkt)
		s.pkt.Unref()
		if err != nil {
			return fmt.Errorf("WriteInterleavedFrame: %w", err)
		}
	}
}

// Stop flushes the encoder and writes the trailer.
func (s *Sink) Stop() error {
	if !s.started {
		return nil
	}
	s.started = false

	var err error
	if s.enc != nil {
		if serr := s.enc.SendFrame(nil); serr != nil && !isEOF(serr) {
			err = multierr.Append(err, fmt.Errorf("flush: %w", serr))
		} else {
			err = multierr.Append(err, s.drain())
		}
	}
	if terr := s.fc.WriteTrailer(); terr != nil {
		err = multierr.Append(err, fmt.Errorf("WriteTrailer: %w", terr))
	}
	if s.pb != nil {
		if cerr := s.pb.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close output: %w", cerr))
		}
		s.pb = nil
	}
	s.logger.Info("Sink stopped", zap.Int64("frames", s.nextPts))
	return err
}

// Release frees every native resource. The sink is unusable afterwards.
func (s *Sink) Release() error {
	if s.frame != nil {
		s.frame.Free()
		s.frame = nil
	}
	if s.pkt != nil {
		s.pkt.Free()
		s.pkt = nil
	}
	if s.enc != nil {
		s.enc.Free()
		s.enc = nil
	}
	if s.pb != nil {
		s.pb.Free()
		s.pb = nil
	}
	if s.fc != nil {
		s.fc.Free()
		s.fc = nil
	}
	return nil
}
