package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"video-adapter/media"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "non-existent-config.toml"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.WebPort != 8080 {
		t.Errorf("Default Server.WebPort = %d, want 8080", cfg.Server.WebPort)
	}
	if cfg.Pipeline.NullPullThreshold != 5 {
		t.Errorf("Default NullPullThreshold = %d, want 5", cfg.Pipeline.NullPullThreshold)
	}
	if cfg.Capture.SubmitTimeoutMS != 3000 || cfg.Capture.ResultTimeoutMS != 5000 {
		t.Errorf("Default capture timeouts = %d/%d, want 3000/5000", cfg.Capture.SubmitTimeoutMS, cfg.Capture.ResultTimeoutMS)
	}
	if cfg.Queue.Threshold != 240 || cfg.Queue.OfferTimeoutMS != 100 {
		t.Errorf("Default queue = %d/%d, want 240/100", cfg.Queue.Threshold, cfg.Queue.OfferTimeoutMS)
	}
	if cfg.Republish.Format != "flv" {
		t.Errorf("Default Republish.Format = %s, want flv", cfg.Republish.Format)
	}
	if len(cfg.Streams) != 0 {
		t.Errorf("Expected no streams by default, got %d", len(cfg.Streams))
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	configContent := `
[server]
web_port = 9090

[storage]
root_dir = "/srv/video"
timezone = "UTC"

[queue]
enabled = true
threshold = 60

[[streams]]
source_url = "rtsp://10.0.0.5/stream1"
republish_url = "rtmp://media/live/gate-1"
save_on_start = true

[[streams]]
id = "yard"
source_url = "rtsp://10.0.0.6/stream1"
packet_mode = true
`
	if err := os.WriteFile(path, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.WebPort != 9090 {
		t.Errorf("Server.WebPort = %d, want 9090", cfg.Server.WebPort)
	}
	if cfg.Pipeline.NullPullThreshold != 5 {
		t.Errorf("Unset values keep defaults, NullPullThreshold = %d", cfg.Pipeline.NullPullThreshold)
	}
	if len(cfg.Streams) != 2 {
		t.Fatalf("Expected 2 streams, got %d", len(cfg.Streams))
	}

	gate := cfg.StreamOptions(cfg.Streams[0])
	if gate.ID != "gate-1" {
		t.Errorf("Stream id = %q, want gate-1", gate.ID)
	}
	if gate.Root != "/srv/video" || !gate.SaveOnStart || gate.Mode != media.ModeFrame {
		t.Errorf("Unexpected options: %+v", gate)
	}
	if !gate.Queued || gate.QueueThreshold != 60 || gate.OfferTimeout != 100*time.Millisecond {
		t.Errorf("Queue options not carried over: %+v", gate)
	}
	if gate.CaptureSubmitTimeout != 3*time.Second || gate.CaptureResultTimeout != 5*time.Second {
		t.Errorf("Capture timeouts = %v/%v", gate.CaptureSubmitTimeout, gate.CaptureResultTimeout)
	}
	if gate.Location != time.UTC {
		t.Errorf("Location = %v, want UTC", gate.Location)
	}

	yard := cfg.StreamOptions(cfg.Streams[1])
	if yard.ID != "yard" || yard.Mode != media.ModePacket {
		t.Errorf("Unexpected options: %+v", yard)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	// .env values do not replace variables that are already set.
	t.Setenv(EnvHTTPPort, "7070")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvRootDir+"=/from/dotenv\n"+EnvHTTPPort+"=1111\n"), 0o644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvRootDir) })

	cfg, err := LoadConfig(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.RootDir != "/from/dotenv" {
		t.Errorf("RootDir = %q, want /from/dotenv", cfg.Storage.RootDir)
	}
	if cfg.Server.WebPort != 7070 {
		t.Errorf("WebPort = %d, want 7070", cfg.Server.WebPort)
	}
}

func TestLoadConfigInvalidPortEnv(t *testing.T) {
	t.Setenv(EnvHTTPPort, "eighty")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.toml"), zaptest.NewLogger(t)); err == nil {
		t.Error("Expected error for non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.WebPort = 70000 },
			wantErr: "web_port",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Storage.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
		{
			name:    "jpeg quality",
			mutate:  func(c *Config) { c.RTP.Quality = 0 },
			wantErr: "quality",
		},
		{
			name: "stream without id",
			mutate: func(c *Config) {
				c.Streams = []StreamConfig{{SourceURL: "rtsp://cam"}}
			},
			wantErr: "id is required",
		},
		{
			name: "duplicate stream ids",
			mutate: func(c *Config) {
				c.Streams = []StreamConfig{
					{SourceURL: "rtsp://a", RepublishURL: "rtmp://h/live/x"},
					{SourceURL: "rtsp://b", ID: "x"},
				}
			},
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestSaveConfig tests saving configuration to file
func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.toml")

	cfg := Default()
	cfg.Server.WebPort = 9999
	cfg.Streams = []StreamConfig{{ID: "cam", SourceURL: "rtsp://cam/1", PacketMode: true}}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Server.WebPort != 9999 {
		t.Errorf("WebPort = %d, want 9999", loaded.Server.WebPort)
	}
	if len(loaded.Streams) != 1 || !loaded.Streams[0].PacketMode {
		t.Errorf("Streams not preserved: %+v", loaded.Streams)
	}
}
