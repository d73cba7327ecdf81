package webrtc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var errNotStreaming = errors.New("not streaming")

// Peer is one viewer's connection to a stream.
type Peer struct {
	id     string
	stream string
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	logger *zap.Logger

	mu        sync.RWMutex
	streaming bool
	samples   atomic.Int64
}

// PeerStats is a snapshot of a peer's state.
type PeerStats struct {
	ID                 string `json:"id"`
	Stream             string `json:"stream"`
	ConnectionState    string `json:"connection_state"`
	ICEConnectionState string `json:"ice_connection_state"`
	Streaming          bool   `json:"streaming"`
	Samples            int64  `json:"samples"`
}

func mimeTypeFor(codec string) string {
	switch strings.ToLower(codec) {
	case "vp8":
		return webrtc.MimeTypeVP8
	case "vp9":
		return webrtc.MimeTypeVP9
	default:
		return webrtc.MimeTypeH264
	}
}

// NewPeer creates a peer connection with a single outgoing video track.
func NewPeer(id, stream string, config webrtc.Configuration, codec string, logger *zap.Logger) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeTypeFor(codec)},
		"video",
		stream,
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}

	p := &Peer{
		id:     id,
		stream: stream,
		pc:     pc,
		track:  track,
		logger: logger.With(zap.String("peer_id", id), zap.String("stream", stream)),
	}
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Info("ICE connection state changed", zap.String("state", state.String()))
	})
	return p, nil
}

// OnConnectionStateChange registers fn for connection state changes.
// Failed and closed connections stop streaming before fn runs.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.StopStreaming()
		}
		if fn != nil {
			fn(state)
		}
	})
}

// OnICECandidate sets the ICE candidate handler
func (p *Peer) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// Answer applies the viewer's offer and returns the local answer.
func (p *Peer) Answer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &answer, nil
}

// SetRemoteDescription sets the remote description from the client
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddICECandidate adds an ICE candidate
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// StartStreaming lets samples through to the track.
func (p *Peer) StartStreaming() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.streaming {
		return fmt.Errorf("already streaming")
	}
	p.streaming = true
	return nil
}

// StopStreaming stops video streaming
func (p *Peer) StopStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = false
}

// IsStreaming returns whether this peer is currently streaming
func (p *Peer) IsStreaming() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.streaming
}

// WriteSample writes one encoded access unit to the track.
func (p *Peer) WriteSample(data []byte, duration time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.streaming {
		return errNotStreaming
	}

	if err := p.track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		return fmt.Errorf("failed to write video sample: %w", err)
	}
	p.samples.Add(1)
	return nil
}

// Stats returns a snapshot of the connection.
func (p *Peer) Stats() PeerStats {
	return PeerStats{
		ID:                 p.id,
		Stream:             p.stream,
		ConnectionState:    p.pc.ConnectionState().String(),
		ICEConnectionState: p.pc.ICEConnectionState().String(),
		Streaming:          p.IsStreaming(),
		Samples:            p.samples.Load(),
	}
}

// Close closes the peer connection and releases resources
func (p *Peer) Close() error {
	p.StopStreaming()
	if err := p.pc.Close(); err != nil {
		p.logger.Error("Error closing peer connection", zap.Error(err))
		return err
	}
	p.logger.Info("Peer connection closed", zap.Int64("samples", p.samples.Load()))
	return nil
}
