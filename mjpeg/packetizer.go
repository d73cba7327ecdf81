// Package mjpeg re-publishes decoded frames as RTP/JPEG (RFC 2435) over UDP.
package mjpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/rtp"
)

const (
	PayloadTypeJPEG = 26
	ClockRate       = 90000
	DefaultMTU      = 1400

	rtpHeaderSize    = 12
	jpegHeaderSize   = 8
	qtableHeaderSize = 4

	// dynamicQ tells the receiver that quantization tables travel in-band.
	dynamicQ = 255
)

var (
	errNotJPEG        = errors.New("invalid JPEG: missing SOI marker")
	errUnsupportedJPG = errors.New("JPEG layout not expressible in RTP/JPEG")
)

// Packetizer splits baseline JPEG images into RTP packets.
type Packetizer struct {
	payloadType uint8
	ssrc        uint32
	mtu         int
	sequencer   rtp.Sequencer

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
	framesSent  atomic.Uint64
}

// PacketizerStats holds statistics about RTP packetization
type PacketizerStats struct {
	PacketsSent uint64 `json:"packets_sent"`
	BytesSent   uint64 `json:"bytes_sent"`
	FramesSent  uint64 `json:"frames_sent"`
}

// NewPacketizer creates a packetizer. Sequence numbers start at a random value.
func NewPacketizer(ssrc uint32, payloadType uint8, mtu int) *Packetizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if payloadType == 0 {
		payloadType = PayloadTypeJPEG
	}
	return &Packetizer{
		payloadType: payloadType,
		ssrc:        ssrc,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// Packetize returns marshalled RTP packets carrying one JPEG image. The
// marker bit is set on the last packet.
func (p *Packetizer) Packetize(jpegData []byte, timestamp uint32) ([][]byte, error) {
	scan, err := parseJPEG(jpegData)
	if err != nil {
		return nil, err
	}

	if len(scan.data) == 0 {
		return nil, errors.New("invalid JPEG: empty scan")
	}

	var packets [][]byte
	for offset := 0; offset < len(scan.data); {
		budget := p.mtu - rtpHeaderSize - jpegHeaderSize
		var qheader []byte
		if offset == 0 {
			qheader = scan.qtableHeader()
			budget -= len(qheader)
		}
		if budget <= 0 {
			return nil, fmt.Errorf("MTU %d too small for quantization tables", p.mtu)
		}

		n := len(scan.data) - offset
		if n > budget {
			n = budget
		}

		payload := make([]byte, jpegHeaderSize, jpegHeaderSize+len(qheader)+n)
		scan.putHeader(payload, uint32(offset))
		payload = append(payload, qheader...)
		payload = append(payload, scan.data[offset:offset+n]...)
		offset += n

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         offset == len(scan.data),
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal RTP packet: %w", err)
		}
		packets = append(packets, raw)
		p.bytesSent.Add(uint64(len(raw)))
	}

	p.packetsSent.Add(uint64(len(packets)))
	p.framesSent.Add(1)
	return packets, nil
}

// Stats returns packetizer statistics
func (p *Packetizer) Stats() PacketizerStats {
	return PacketizerStats{
		PacketsSent: p.packetsSent.Load(),
		BytesSent:   p.bytesSent.Load(),
		FramesSent:  p.framesSent.Load(),
	}
}

// jpegScan is what RTP/JPEG carries of a JFIF image: geometry, the
// quantization tables and the entropy-coded scan.
type jpegScan struct {
	width, height int
	typ           uint8
	qtables       []byte
	data          []byte
}

func (s *jpegScan) putHeader(b []byte, offset uint32) {
	b[0] = 0
	b[1] = byte(offset >> 16)
	b[2] = byte(offset >> 8)
	b[3] = byte(offset)
	b[4] = s.typ
	b[5] = dynamicQ
	b[6] = byte((s.width + 7) / 8)
	b[7] = byte((s.height + 7) / 8)
}

func (s *jpegScan) qtableHeader() []byte {
	h := make([]byte, qtableHeaderSize, qtableHeaderSize+len(s.qtables))
	binary.BigEndian.PutUint16(h[2:], uint16(len(s.qtables)))
	return append(h, s.qtables...)
}

// parseJPEG extracts the pieces of a baseline JPEG needed for RFC 2435.
func parseJPEG(b []byte) (*jpegScan, error) {
	if len(b) < 4 || b[0] != 0xFF || b[1] != 0xD8 {
		return nil, errNotJPEG
	}

	s := &jpegScan{typ: 255}
	i := 2
	for i+4 <= len(b) {
		if b[i] != 0xFF {
			return nil, fmt.Errorf("invalid JPEG: expected marker at %d", i)
		}
		marker := b[i+1]
		if marker == 0xFF {
			i++
			continue
		}
		length := int(binary.BigEndian.Uint16(b[i+2:]))
		end := i + 2 + length
		if length < 2 || end > len(b) {
			return nil, fmt.Errorf("invalid JPEG: segment %#x overruns data", marker)
		}
		seg := b[i+4 : end]

		switch marker {
		case 0xDB: // DQT
			for len(seg) > 0 {
				if seg[0]>>4 != 0 {
					return nil, fmt.Errorf("%w: 16-bit quantization table", errUnsupportedJPG)
				}
				if len(seg) < 65 {
					return nil, errors.New("invalid JPEG: short quantization table")
				}
				s.qtables = append(s.qtables, seg[1:65]...)
				seg = seg[65:]
			}
		case 0xC0: // SOF0
			if len(seg) < 9 {
				return nil, errors.New("invalid JPEG: short frame header")
			}
			s.height = int(binary.BigEndian.Uint16(seg[1:]))
			s.width = int(binary.BigEndian.Uint16(seg[3:]))
			switch seg[7] { // luma sampling factors
			case 0x21:
				s.typ = 0
			case 0x22:
				s.typ = 1
			default:
				return nil, fmt.Errorf("%w: luma sampling %#x", errUnsupportedJPG, seg[7])
			}
		case 0xC1, 0xC2, 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
			return nil, fmt.Errorf("%w: not baseline", errUnsupportedJPG)
		case 0xDD: // DRI
			return nil, fmt.Errorf("%w: restart markers", errUnsupportedJPG)
		case 0xDA: // SOS
			if s.typ == 255 {
				return nil, errors.New("invalid JPEG: scan before frame header")
			}
			if s.width > 2040 || s.height > 2040 {
				return nil, fmt.Errorf("%w: %dx%d exceeds 2040", errUnsupportedJPG, s.width, s.height)
			}
			data := b[end:]
			if n := len(data); n >= 2 && data[n-2] == 0xFF && data[n-1] == 0xD9 {
				data = data[:n-2]
			}
			s.data = data
			return s, nil
		}
		i = end
	}
	return nil, errors.New("invalid JPEG: no scan")
}
