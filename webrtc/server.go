// Package webrtc re-publishes compressed video to browsers. Sinks opened for
// webrtc://<stream> targets fan packets out to every viewer of that stream;
// viewers negotiate over a WebSocket signaling endpoint.
package webrtc

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"video-adapter/config"
	vmedia "video-adapter/media"
)

// Scheme is the target URL scheme served by Server.
const Scheme = "webrtc"

const defaultFrameRate = 25

var errBadTarget = errors.New("webrtc target must look like webrtc://<stream>")

// Server tracks viewers per stream and opens sinks that feed them.
type Server struct {
	webrtcConfig webrtc.Configuration
	codec        string
	logger       *zap.Logger

	signaling *SignalingServer

	mu    sync.RWMutex
	peers map[string]*Peer
}

// Stats is a snapshot of the server.
type Stats struct {
	Clients int         `json:"clients"`
	Peers   []PeerStats `json:"peers"`
}

// NewServer creates a WebRTC server from the application configuration
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	var iceServers []webrtc.ICEServer
	if len(cfg.WebRTC.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.WebRTC.STUNServers})
	}
	if len(cfg.WebRTC.TURNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       cfg.WebRTC.TURNServers,
			Username:   cfg.WebRTC.TURNUsername,
			Credential: cfg.WebRTC.TURNCredential,
		})
	}

	s := &Server{
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		codec:        cfg.WebRTC.Codec,
		logger:       logger,
		peers:        make(map[string]*Peer),
	}
	s.signaling = NewSignalingServer(cfg.Server.AllowedOrigins, cfg.WebRTC.SendBuffer, logger)
	s.signaling.SetHandlers(s.handleOffer, s.handleAnswer, s.handleICECandidate, s.handleLeave)

	logger.Info("WebRTC server created",
		zap.Int("stun_servers", len(cfg.WebRTC.STUNServers)),
		zap.Int("turn_servers", len(cfg.WebRTC.TURNServers)),
		zap.String("codec", s.codec))
	return s
}

// HandleWebSocket serves the signaling endpoint for one stream.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request, stream string) {
	s.signaling.HandleWebSocket(w, r, stream)
}

func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	peer, err := NewPeer(client.ID(), client.Stream(), s.webrtcConfig, s.codec, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.peers[client.ID()]
	s.peers[client.ID()] = peer
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Warn("Failed to send ICE candidate",
				zap.String("client_id", client.ID()),
				zap.Error(err))
		}
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.dropPeer(client.ID(), peer)
		}
	})

	answer, err := peer.Answer(offer)
	if err != nil {
		s.removePeer(client.ID())
		return err
	}
	if err := client.SendAnswer(*answer); err != nil {
		s.removePeer(client.ID())
		return fmt.Errorf("failed to send answer: %w", err)
	}
	if err := peer.StartStreaming(); err != nil {
		s.removePeer(client.ID())
		return err
	}

	s.logger.Info("Viewer joined",
		zap.String("client_id", client.ID()),
		zap.String("stream", client.Stream()))
	return nil
}

func (s *Server) handleAnswer(client *SignalingClient, answer webrtc.SessionDescription) error {
	peer, ok := s.peer(client.ID())
	if !ok {
		return fmt.Errorf("no peer connection found for client %s", client.ID())
	}
	return peer.SetRemoteDescription(answer)
}

func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	peer, ok := s.peer(client.ID())
	if !ok {
		return fmt.Errorf("no peer connection found for client %s", client.ID())
	}
	return peer.AddICECandidate(candidate)
}

func (s *Server) handleLeave(client *SignalingClient) {
	s.removePeer(client.ID())
}

func (s *Server) peer(id string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *Server) removePeer(clientID string) {
	s.mu.Lock()
	peer, ok := s.peers[clientID]
	delete(s.peers, clientID)
	s.mu.Unlock()

	if ok {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("client_id", clientID))
	}
}

// dropPeer removes peer if it is still the one registered for clientID.
func (s *Server) dropPeer(clientID string, peer *Peer) {
	s.mu.Lock()
	if s.peers[clientID] == peer {
		delete(s.peers, clientID)
	}
	s.mu.Unlock()
	peer.Close()
}

// broadcast writes one sample to every streaming viewer of stream and
// returns how many received it.
func (s *Server) broadcast(stream string, data []byte, duration time.Duration) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for _, peer := range s.peers {
		if peer.stream != stream || !peer.IsStreaming() {
			continue
		}
		if err := peer.WriteSample(data, duration); err != nil {
			s.logger.Warn("Failed to write sample to peer",
				zap.String("peer_id", peer.id),
				zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// OpenSink opens a sink for a webrtc://<stream> target. Only packets are
// accepted; the source must already produce a codec browsers can play.
func (s *Server) OpenSink(opts vmedia.SinkOptions) (vmedia.Sink, error) {
	stream, err := streamFromTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	fps := opts.Geometry.FrameRate
	if fps <= 0 || math.IsNaN(fps) {
		fps = defaultFrameRate
	}
	return &Sink{
		server:   s,
		stream:   stream,
		duration: time.Duration(float64(time.Second) / fps),
		logger:   s.logger.With(zap.String("stream", stream)),
	}, nil
}

func streamFromTarget(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadTarget, err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return "", errBadTarget
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return "", errBadTarget
	}
	return name, nil
}

// PeerCount returns the number of viewers of stream.
func (s *Server) PeerCount(stream string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for _, p := range s.peers {
		if p.stream == stream {
			n++
		}
	}
	return n
}

// Stats returns server statistics
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Clients: s.signaling.ClientCount()}
	for _, p := range s.peers {
		stats.Peers = append(stats.Peers, p.Stats())
	}
	return stats
}

// Close disconnects every viewer.
func (s *Server) Close() {
	s.signaling.Close()

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*Peer)
	s.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	s.logger.Info("WebRTC server stopped")
}
