package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultSendTimeout = 5 * time.Second

var errClientClosed = errors.New("client connection closed")

// SignalingServer handles WebSocket signaling for WebRTC viewers. Every
// client is bound to the stream named in its request.
type SignalingServer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	clients map[string]*SignalingClient
	mu      sync.RWMutex

	onOffer  func(client *SignalingClient, offer webrtc.SessionDescription) error
	onAnswer func(client *SignalingClient, answer webrtc.SessionDescription) error
	onICE    func(client *SignalingClient, candidate webrtc.ICECandidateInit) error
	onLeave  func(client *SignalingClient)

	allowedOrigins []string
	sendBufferSize int
	sendTimeout    time.Duration
}

// SignalingClient represents a connected WebSocket client
type SignalingClient struct {
	id     string
	stream string
	conn   *websocket.Conn
	server *SignalingServer
	logger *zap.Logger

	send chan []byte

	closed bool
	mu     sync.RWMutex

	connectedAt time.Time
	lastPing    time.Time
}

// SignalingMessage represents a WebRTC signaling message
type SignalingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewSignalingServer creates a new signaling server
func NewSignalingServer(allowedOrigins []string, sendBufferSize int, logger *zap.Logger) *SignalingServer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 1024
	}

	s := &SignalingServer{
		logger:         logger,
		clients:        make(map[string]*SignalingClient),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
		sendTimeout:    defaultSendTimeout,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	return s
}

// checkOrigin validates the request origin against allowed origins
func (s *SignalingServer) checkOrigin(r *http.Request) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no origin.
		return true
	}

	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	s.logger.Warn("Origin not allowed",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", s.allowedOrigins))
	return false
}

// SetHandlers sets the message handlers
func (s *SignalingServer) SetHandlers(
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error,
	onAnswer func(client *SignalingClient, answer webrtc.SessionDescription) error,
	onICE func(client *SignalingClient, candidate webrtc.ICECandidateInit) error,
	onLeave func(client *SignalingClient),
) {
	s.onOffer = onOffer
	s.onAnswer = onAnswer
	s.onICE = onICE
	s.onLeave = onLeave
}

// HandleWebSocket upgrades the request and registers a client watching stream.
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request, stream string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	now := time.Now()
	client := &SignalingClient{
		id:          clientID,
		stream:      stream,
		conn:        conn,
		server:      s,
		logger:      s.logger.With(zap.String("client_id", clientID), zap.String("stream", stream)),
		send:        make(chan []byte, s.sendBufferSize),
		connectedAt: now,
		lastPing:    now,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	client.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	go client.readPump()
}

func (c *SignalingClient) readPump() {
	defer c.close()

	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		if err := c.handleMessage(msg); err != nil {
			c.logger.Error("Error handling message", zap.String("type", msg.Type), zap.Error(err))
			c.sendError(err.Error())
		}
	}
}

func (c *SignalingClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Error("WebSocket write error", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *SignalingClient) handleMessage(msg SignalingMessage) error {
	switch msg.Type {
	case "offer":
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer format: %w", err)
		}
		if c.server.onOffer != nil {
			return c.server.onOffer(c, offer)
		}

	case "answer":
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &answer); err != nil {
			return fmt.Errorf("invalid answer format: %w", err)
		}
		if c.server.onAnswer != nil {
			return c.server.onAnswer(c, answer)
		}

	case "ice-candidate":
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate format: %w", err)
		}
		if c.server.onICE != nil {
			return c.server.onICE(c, candidate)
		}

	case "ping":
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.sendMessage("pong", nil)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

// SendAnswer sends a WebRTC answer to the client
func (c *SignalingClient) SendAnswer(answer webrtc.SessionDescription) error {
	return c.sendMessage("answer", answer)
}

// SendICECandidate sends an ICE candidate to the client
func (c *SignalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage("ice-candidate", candidate.ToJSON())
}

// sendMessage queues a message, giving up after the server's send timeout.
// The read lock is held while queueing so close cannot close the channel
// underneath a send.
func (c *SignalingClient) sendMessage(msgType string, data interface{}) error {
	payload := struct {
		Type string      `json:"type"`
		Data interface{} `json:"data,omitempty"`
	}{msgType, data}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	timeout := defaultSendTimeout
	if c.server != nil {
		timeout = c.server.sendTimeout
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errClientClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- jsonData:
		return nil
	case <-timer.C:
		c.logger.Error("Send timeout - client too slow, closing connection",
			zap.String("message_type", msgType))
		go c.close()
		return fmt.Errorf("send timeout - client too slow")
	}
}

func (c *SignalingClient) sendError(errorMsg string) {
	_ = c.sendMessage("error", map[string]string{"message": errorMsg})
}

func (c *SignalingClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
	close(c.send)
	c.mu.Unlock()

	if c.server != nil {
		c.server.mu.Lock()
		delete(c.server.clients, c.id)
		c.server.mu.Unlock()

		if c.server.onLeave != nil {
			c.server.onLeave(c)
		}
	}

	c.logger.Info("Client disconnected", zap.Duration("connected_for", time.Since(c.connectedAt)))
}

// ID returns the client ID
func (c *SignalingClient) ID() string { return c.id }

// Stream returns the stream the client watches.
func (c *SignalingClient) Stream() string { return c.stream }

// IsClosed returns whether the client connection is closed
func (c *SignalingClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ClientCount returns the number of connected clients
func (s *SignalingServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close closes all client connections
func (s *SignalingServer) Close() {
	s.mu.Lock()
	clients := make([]*SignalingClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.logger.Info("Closing signaling server", zap.Int("clients", len(clients)))
	for _, c := range clients {
		c.close()
	}
}
