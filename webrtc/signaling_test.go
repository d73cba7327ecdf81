package webrtc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		wantAllowed    bool
	}{
		{"wildcard allows all", []string{"*"}, "http://evil.com", true},
		{"empty list means wildcard", nil, "http://evil.com", true},
		{"specific origin allowed", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"origin not in list", []string{"http://localhost:3000"}, "http://evil.com", false},
		{"no origin header", []string{"http://localhost:3000"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSignalingServer(tt.allowedOrigins, 0, zaptest.NewLogger(t))

			req := httptest.NewRequest(http.MethodGet, "/ws/cam1", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			assert.Equal(t, tt.wantAllowed, s.checkOrigin(req))
		})
	}
}

func dial(t *testing.T, h func(http.ResponseWriter, *http.Request)) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(srv.URL, "http", "ws", 1), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first message of the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, want string) SignalingMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg SignalingMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestSignalingPingAndErrors(t *testing.T) {
	s := NewSignalingServer([]string{"*"}, 16, zaptest.NewLogger(t))
	defer s.Close()
	conn := dial(t, func(w http.ResponseWriter, r *http.Request) { s.HandleWebSocket(w, r, "cam1") })

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.mu.RLock()
	var client *SignalingClient
	for _, c := range s.clients {
		client = c
	}
	s.mu.RUnlock()
	require.NotNil(t, client)
	assert.Equal(t, "cam1", client.Stream())
	assert.Len(t, client.ID(), 36, "uuid client id")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	readUntil(t, conn, "pong")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	msg := readUntil(t, conn, "error")
	assert.Contains(t, string(msg.Data), "unknown message type")

	conn.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, client.IsClosed())
}

func TestSendMessageTimeout(t *testing.T) {
	s := NewSignalingServer(nil, 1, zaptest.NewLogger(t))
	s.sendTimeout = 20 * time.Millisecond

	client := &SignalingClient{
		id:     "slow",
		server: s,
		logger: zaptest.NewLogger(t),
		send:   make(chan []byte, 1),
	}
	client.send <- []byte("backlog")

	began := time.Now()
	assert.Error(t, client.sendMessage("test", nil))
	assert.GreaterOrEqual(t, time.Since(began), 20*time.Millisecond)

	require.Eventually(t, client.IsClosed, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, client.sendMessage("test", nil), errClientClosed)
}

func TestViewerNegotiation(t *testing.T) {
	s := NewServer(testConfig(), zaptest.NewLogger(t))
	defer s.Close()
	conn := dial(t, func(w http.ResponseWriter, r *http.Request) { s.HandleWebSocket(w, r, "cam1") })

	viewer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer viewer.Close()

	_, err = viewer.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)

	offer, err := viewer.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, viewer.SetLocalDescription(offer))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "offer", "data": offer}))

	msg := readUntil(t, conn, "answer")
	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(msg.Data, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, viewer.SetRemoteDescription(answer))

	assert.Equal(t, 1, s.PeerCount("cam1"))
	assert.Equal(t, 0, s.PeerCount("cam2"))

	conn.Close()
	require.Eventually(t, func() bool { return s.PeerCount("cam1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
