package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"video-adapter/media"
	"video-adapter/stream"
)

// Environment variables that override file settings.
const (
	EnvRootDir  = "ADAPTER_ROOT_DIR"
	EnvHTTPPort = "ADAPTER_HTTP_PORT"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Pipeline  PipelineConfig  `toml:"pipeline" json:"pipeline"`
	Capture   CaptureConfig   `toml:"capture" json:"capture"`
	Queue     QueueConfig     `toml:"queue" json:"queue"`
	Republish RepublishConfig `toml:"republish" json:"republish"`
	WebRTC    WebRTCConfig    `toml:"webrtc" json:"webrtc"`
	RTP       RTPConfig       `toml:"rtp" json:"rtp"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Streams   []StreamConfig  `toml:"streams" json:"streams"`
}

// ServerConfig holds management HTTP server settings
type ServerConfig struct {
	WebPort         int      `toml:"web_port" json:"web_port"`
	BindIP          string   `toml:"bind_ip" json:"bind_ip"`
	AllowedOrigins  []string `toml:"allowed_origins" json:"allowed_origins"`
	ShutdownTimeout int      `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
}

// StorageConfig holds where recordings and captures are written
type StorageConfig struct {
	RootDir string `toml:"root_dir" json:"root_dir"`
	// Timezone is an IANA name deciding where midnight falls. Empty means local time.
	Timezone string `toml:"timezone" json:"timezone"`
}

// PipelineConfig holds pull loop settings
type PipelineConfig struct {
	Transport           string `toml:"transport" json:"transport"`
	NullPullThreshold   int    `toml:"null_pull_threshold" json:"null_pull_threshold"`
	DiagnosticsInterval int    `toml:"diagnostics_interval" json:"diagnostics_interval"`
}

// CaptureConfig holds still capture timeouts
type CaptureConfig struct {
	SubmitTimeoutMS int `toml:"submit_timeout_ms" json:"submit_timeout_ms"`
	ResultTimeoutMS int `toml:"result_timeout_ms" json:"result_timeout_ms"`
}

// QueueConfig holds the queued delivery strategy settings
type QueueConfig struct {
	Enabled        bool `toml:"enabled" json:"enabled"`
	Threshold      int  `toml:"threshold" json:"threshold"`
	OfferTimeoutMS int  `toml:"offer_timeout_ms" json:"offer_timeout_ms"`
}

// RepublishConfig holds encoder settings shared by recording and pushing
type RepublishConfig struct {
	Format string `toml:"format" json:"format"`
	Preset string `toml:"preset" json:"preset"`
}

// WebRTCConfig holds WebRTC re-publish settings
type WebRTCConfig struct {
	STUNServers    []string `toml:"stun_servers" json:"stun_servers"`
	TURNServers    []string `toml:"turn_servers" json:"turn_servers"`
	TURNUsername   string   `toml:"turn_username" json:"turn_username"`
	TURNCredential string   `toml:"turn_credential" json:"turn_credential"`
	Codec          string   `toml:"codec" json:"codec"`
	SendBuffer     int      `toml:"send_buffer" json:"send_buffer"`
}

// RTPConfig holds RTP/JPEG re-publish settings
type RTPConfig struct {
	MTU         int    `toml:"mtu" json:"mtu"`
	Quality     int    `toml:"quality" json:"quality"`
	SSRC        uint32 `toml:"ssrc" json:"ssrc"`
	PayloadType uint8  `toml:"payload_type" json:"payload_type"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level       string `toml:"level" json:"level"`
	Dir         string `toml:"dir" json:"dir"`
	MaxLogFiles int    `toml:"max_log_files" json:"max_log_files"`
}

// StreamConfig describes one source to adapt
type StreamConfig struct {
	ID           string `toml:"id" json:"id"`
	SourceURL    string `toml:"source_url" json:"source_url"`
	RepublishURL string `toml:"republish_url" json:"republish_url"`
	SaveOnStart  bool   `toml:"save_on_start" json:"save_on_start"`
	PacketMode   bool   `toml:"packet_mode" json:"packet_mode"`
	Disabled     bool   `toml:"disabled" json:"disabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WebPort:         8080,
			BindIP:          "0.0.0.0",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10,
		},
		Storage: StorageConfig{
			RootDir: "data",
		},
		Pipeline: PipelineConfig{
			Transport:           "tcp",
			NullPullThreshold:   5,
			DiagnosticsInterval: 100,
		},
		Capture: CaptureConfig{
			SubmitTimeoutMS: 3000,
			ResultTimeoutMS: 5000,
		},
		Queue: QueueConfig{
			Threshold:      240,
			OfferTimeoutMS: 100,
		},
		Republish: RepublishConfig{
			Format: "flv",
			Preset: "ultrafast",
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			Codec:       "h264",
			SendBuffer:  1024,
		},
		RTP: RTPConfig{
			MTU:         1400,
			Quality:     85,
			SSRC:        0x12345678,
			PayloadType: 26,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Dir:         "logs",
			MaxLogFiles: 20,
		},
	}
}

// LoadConfig loads configuration from a TOML file over the defaults. A .env
// file next to it is loaded into the environment first, then environment
// overrides are applied.
func LoadConfig(configPath string, logger *zap.Logger) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
		logger.Info("Environment loaded", zap.String("path", envPath))
	}

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	if dir := os.Getenv(EnvRootDir); dir != "" {
		c.Storage.RootDir = dir
	}
	if p := os.Getenv(EnvHTTPPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvHTTPPort, p, err)
		}
		c.Server.WebPort = port
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var err error
	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.web_port %d out of range", c.Server.WebPort))
	}
	if c.Storage.RootDir == "" {
		err = multierr.Append(err, errors.New("storage.root_dir is required"))
	}
	if _, lerr := c.Location(); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if c.Queue.Threshold <= 0 {
		err = multierr.Append(err, fmt.Errorf("queue.threshold must be positive, got %d", c.Queue.Threshold))
	}
	if c.RTP.Quality < 1 || c.RTP.Quality > 100 {
		err = multierr.Append(err, fmt.Errorf("rtp.quality %d out of range 1-100", c.RTP.Quality))
	}
	if c.RTP.MTU < 64 {
		err = multierr.Append(err, fmt.Errorf("rtp.mtu %d too small", c.RTP.MTU))
	}

	seen := make(map[string]bool)
	for i, s := range c.Streams {
		if s.SourceURL == "" {
			err = multierr.Append(err, fmt.Errorf("streams[%d]: source_url is required", i))
		}
		id := s.streamID()
		if id == "" {
			err = multierr.Append(err, fmt.Errorf("streams[%d]: id is required when republish_url has no path", i))
			continue
		}
		if seen[id] {
			err = multierr.Append(err, fmt.Errorf("streams[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
	}
	return err
}

func (s StreamConfig) streamID() string {
	if s.ID != "" {
		return s.ID
	}
	return stream.StreamIDFromURL(s.RepublishURL)
}

// Location resolves the storage timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Storage.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Storage.Timezone)
	if err != nil {
		return nil, fmt.Errorf("storage.timezone %q: %w", c.Storage.Timezone, err)
	}
	return loc, nil
}

// StreamOptions builds adapter options for one configured stream.
func (c *Config) StreamOptions(s StreamConfig) stream.Options {
	mode := media.ModeFrame
	if s.PacketMode {
		mode = media.ModePacket
	}
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}

	return stream.Options{
		ID:                   s.streamID(),
		SourceURL:            s.SourceURL,
		RepublishURL:         s.RepublishURL,
		Root:                 c.Storage.RootDir,
		Mode:                 mode,
		Transport:            strings.ToLower(c.Pipeline.Transport),
		SaveOnStart:          s.SaveOnStart,
		Format:               c.Republish.Format,
		Preset:               c.Republish.Preset,
		Queued:               c.Queue.Enabled,
		QueueThreshold:       c.Queue.Threshold,
		OfferTimeout:         time.Duration(c.Queue.OfferTimeoutMS) * time.Millisecond,
		NullPullThreshold:    c.Pipeline.NullPullThreshold,
		CaptureSubmitTimeout: time.Duration(c.Capture.SubmitTimeoutMS) * time.Millisecond,
		CaptureResultTimeout: time.Duration(c.Capture.ResultTimeoutMS) * time.Millisecond,
		DiagnosticsInterval:  c.Pipeline.DiagnosticsInterval,
		Location:             loc,
	}
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
