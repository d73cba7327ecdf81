package web

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"video-adapter/config"
	"video-adapter/media"
	"video-adapter/metrics"
	"video-adapter/stream"
)

type stubFrame struct{}

func (stubFrame) Width() int  { return 8 }
func (stubFrame) Height() int { return 8 }
func (stubFrame) Image() (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

// stubSource yields a frame every few milliseconds until closed.
type stubSource struct{}

func (stubSource) PullFrame() (media.Frame, error) {
	time.Sleep(2 * time.Millisecond)
	return stubFrame{}, nil
}
func (stubSource) PullPacket() (media.Packet, error) { return nil, media.ErrUnsupported }
func (stubSource) Timestamp() int64                  { return 0 }
func (stubSource) Geometry() media.Geometry {
	return media.Geometry{Width: 8, Height: 8, FrameRate: 25}
}
func (stubSource) Close() error { return nil }

// stubSink creates its target file so recordings show up in listings.
type stubSink struct{ target string }

func (s stubSink) Start() error                          { return os.WriteFile(s.target, nil, 0o644) }
func (stubSink) EncodeFrame(media.Frame) error           { return nil }
func (stubSink) EncodePacket(media.Packet) (bool, error) { return false, media.ErrUnsupported }
func (stubSink) Stop() error                             { return nil }
func (stubSink) Release() error                          { return nil }

type stubEngine struct{}

func (stubEngine) OpenSource(string, media.SourceOptions) (media.Source, error) {
	return stubSource{}, nil
}
func (stubEngine) OpenSink(opts media.SinkOptions) (media.Sink, error) {
	return stubSink{target: opts.Target}, nil
}
func (stubEngine) RetainPacket(p media.Packet) (media.Packet, error) { return p, nil }
func (stubEngine) ReleasePacket(media.Packet)                        {}
func (stubEngine) CloneFrame(f media.Frame) (media.Frame, error)     { return f, nil }
func (stubEngine) ReleaseFrame(media.Frame)                          {}

func newTestServer(t *testing.T) (*httptest.Server, *stream.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := stream.NewRegistry(stubEngine{}, logger, metrics.New())
	registry.Configure(stream.Options{
		ID:        "cam1",
		SourceURL: "rtsp://camera/cam1",
		Root:      t.TempDir(),
		Mode:      media.ModeFrame,
	})

	s := NewServer(config.Default(), registry, nil, metrics.New(), logger)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, registry.Close(ctx))
	})
	return srv, registry
}

func do(t *testing.T, method, url string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]interface{}
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["configured"])
	assert.EqualValues(t, 0, body["adapters"])
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(t, http.MethodOptions, srv.URL+"/api/adapters", nil))
}

func TestUnknownAdapter(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/adapters/nope/start"},
		{http.MethodPost, "/api/adapters/nope/stop"},
		{http.MethodGet, "/api/adapters/nope"},
		{http.MethodPost, "/api/adapters/nope/capture"},
		{http.MethodGet, "/api/adapters/nope/files"},
		{http.MethodDelete, "/api/adapters/nope/recording"},
	} {
		var body map[string]interface{}
		assert.Equal(t, http.StatusNotFound, do(t, tc.method, srv.URL+tc.path, &body), tc.path)
		assert.Contains(t, body["error"], "not found")
	}
}

func TestAdapterLifecycle(t *testing.T) {
	srv, registry := newTestServer(t)
	base := srv.URL + "/api/adapters/cam1"

	var status stream.Status
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, base+"/start", &status))
	assert.Equal(t, "cam1", status.ID)
	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, base+"/start", nil))

	require.Eventually(t, func() bool {
		a, err := registry.Get("cam1")
		return err == nil && a.Status().Running
	}, 2*time.Second, 5*time.Millisecond)

	var list struct {
		Configured []string        `json:"configured"`
		Running    []stream.Status `json:"running"`
	}
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/adapters", &list))
	assert.Equal(t, []string{"cam1"}, list.Configured)
	require.Len(t, list.Running, 1)

	require.Eventually(t, func() bool {
		return do(t, http.MethodPost, base+"/recording", &status) == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, status.Recording)

	var files []string
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, base+"/files", &files))
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0], ".flv"))

	require.Equal(t, http.StatusOK, do(t, http.MethodDelete, base+"/recording", &status))
	assert.False(t, status.Recording)

	var pushing map[string]interface{}
	assert.Equal(t, http.StatusInternalServerError, do(t, http.MethodPost, base+"/pushing", &pushing),
		"no republish url configured")

	var capture map[string]bool
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, base+"/capture", &capture))
	assert.True(t, capture["ok"])

	var captures []string
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, base+"/captures", &captures))
	require.Len(t, captures, 1)
	assert.Equal(t, ".png", filepath.Ext(captures[0]))

	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, base+"/stop", nil))
	require.Eventually(t, func() bool {
		return do(t, http.MethodGet, base, nil) == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartAfterShutdown(t *testing.T) {
	srv, registry := newTestServer(t)
	require.NoError(t, registry.Close(context.Background()))

	var body map[string]interface{}
	assert.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodPost, srv.URL+"/api/adapters/cam1/start", &body))
	assert.Contains(t, body["error"], "registry closed")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
