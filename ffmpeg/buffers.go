package ffmpeg

import (
	"fmt"
	"image"

	"github.com/asticode/go-astiav"
)

// Frame is a decoded FFmpeg frame.
type Frame struct {
	frame *astiav.Frame
}

func (f *Frame) Width() int  { return f.frame.Width() }
func (f *Frame) Height() int { return f.frame.Height() }

// Image converts the frame to RGBA through swscale.
func (f *Frame) Image() (image.Image, error) {
	w, h := f.frame.Width(), f.frame.Height()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("frame has no picture (%dx%d)", w, h)
	}

	ssc, err := astiav.CreateSoftwareScaleContext(
		w, h, f.frame.PixelFormat(),
		w, h, astiav.PixelFormatRgba,
		astiav.NewSoftwareScaleContextFlags(),
	)
	if err != nil {
		return nil, fmt.Errorf("CreateSoftwareScaleContext(%dx%d %s -> RGBA): %w", w, h, f.frame.PixelFormat(), err)
	}
	defer ssc.Free()

	dst := astiav.AllocFrame()
	defer dst.Free()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(astiav.PixelFormatRgba)
	if err := dst.AllocBuffer(1); err != nil {
		return nil, fmt.Errorf("dst.AllocBuffer: %w", err)
	}

	if err := ssc.ScaleFrame(f.frame, dst); err != nil {
		return nil, fmt.Errorf("ScaleFrame: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	n, err := dst.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("ImageBufferSize: %w", err)
	}
	if n != len(img.Pix) {
		return nil, fmt.Errorf("unexpected RGBA buffer size %d for %dx%d", n, w, h)
	}
	if _, err := dst.ImageCopyToBuffer(img.Pix, 1); err != nil {
		return nil, fmt.Errorf("ImageCopyToBuffer: %w", err)
	}
	return img, nil
}

// Packet is a compressed FFmpeg packet with the time base of its stream.
type Packet struct {
	pkt      *astiav.Packet
	timeBase astiav.Rational
}

func (p *Packet) Size() int      { return p.pkt.Size() }
func (p *Packet) Data() []byte   { return p.pkt.Data() }
func (p *Packet) Keyframe() bool { return p.pkt.Flags().Has(astiav.PacketFlagKey) }
