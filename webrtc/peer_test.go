package webrtc

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewPeer(t *testing.T) {
	tests := []struct {
		codec string
		mime  string
	}{
		{"h264", webrtc.MimeTypeH264},
		{"", webrtc.MimeTypeH264},
		{"VP8", webrtc.MimeTypeVP8},
		{"vp9", webrtc.MimeTypeVP9},
	}

	for _, tt := range tests {
		t.Run(tt.codec, func(t *testing.T) {
			peer, err := NewPeer("peer-1", "cam1", webrtc.Configuration{}, tt.codec, zaptest.NewLogger(t))
			require.NoError(t, err)
			defer peer.Close()

			assert.Equal(t, tt.mime, peer.track.Codec().MimeType)
			assert.Equal(t, "cam1", peer.track.StreamID())

			stats := peer.Stats()
			assert.Equal(t, "peer-1", stats.ID)
			assert.Equal(t, webrtc.PeerConnectionStateNew.String(), stats.ConnectionState)
			assert.False(t, stats.Streaming)
		})
	}
}

func TestPeerStreaming(t *testing.T) {
	peer, err := NewPeer("peer", "cam1", webrtc.Configuration{}, "h264", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer peer.Close()

	sample := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1F}
	assert.ErrorIs(t, peer.WriteSample(sample, 40*time.Millisecond), errNotStreaming)

	require.NoError(t, peer.StartStreaming())
	assert.Error(t, peer.StartStreaming(), "second start")
	assert.True(t, peer.IsStreaming())

	// Unbound tracks drop samples silently.
	require.NoError(t, peer.WriteSample(sample, 40*time.Millisecond))
	assert.EqualValues(t, 1, peer.Stats().Samples)

	peer.StopStreaming()
	assert.False(t, peer.IsStreaming())
}

func TestPeerClose(t *testing.T) {
	peer, err := NewPeer("peer", "cam1", webrtc.Configuration{}, "h264", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, peer.StartStreaming())

	require.NoError(t, peer.Close())
	assert.False(t, peer.IsStreaming())
	assert.Equal(t, webrtc.PeerConnectionStateClosed, peer.pc.ConnectionState())
}
