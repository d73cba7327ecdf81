package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"video-adapter/config"
	"video-adapter/ffmpeg"
	"video-adapter/media"
	"video-adapter/metrics"
	"video-adapter/mjpeg"
	"video-adapter/stream"
	"video-adapter/web"
	"video-adapter/webrtc"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Video Adapter"
	AppVersion        = "1.0.0"
)

// Application wires the engine, the adapters and the management server.
type Application struct {
	config *config.Config
	logger *zap.Logger

	metrics   *metrics.Metrics
	viewers   *webrtc.Server
	registry  *stream.Registry
	webServer *web.Server
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Pulls RTSP sources and fans them out to recordings, captures and re-publish targets")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  ADAPTER_ROOT_DIR  - Override storage root directory")
		fmt.Println("  ADAPTER_HTTP_PORT - Override management HTTP port")
		os.Exit(0)
	}

	// Config loading logs before the configured logger exists.
	bootstrap, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(*configPath, bootstrap)
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Starting video adapter",
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("root_dir", cfg.Storage.RootDir),
		zap.Int("streams", len(cfg.Streams)))

	app := NewApplication(cfg, logger)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication builds every component. Nothing runs until Start.
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	m := metrics.New()
	viewers := webrtc.NewServer(cfg, logger.Named("webrtc"))

	engine := media.NewMux(ffmpeg.NewEngine(logger.Named("ffmpeg")))
	engine.Handle(webrtc.Scheme, viewers)
	engine.Handle(mjpeg.Scheme, mjpeg.NewStreamer(cfg.RTP, logger.Named("rtp")))

	registry := stream.NewRegistry(engine, logger, m)

	return &Application{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		viewers:   viewers,
		registry:  registry,
		webServer: web.NewServer(cfg, registry, viewers, m, logger.Named("http")),
	}
}

// Start registers the configured streams, runs the enabled ones and starts
// the management server.
func (a *Application) Start() error {
	for _, sc := range a.config.Streams {
		id := a.registry.Configure(a.config.StreamOptions(sc))
		if sc.Disabled {
			a.logger.Info("Stream configured but disabled", zap.String("adapter", id))
			continue
		}
		if _, err := a.registry.Start(id); err != nil {
			a.logger.Error("Failed to start adapter", zap.String("adapter", id), zap.Error(err))
		}
	}

	if err := a.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	a.logger.Info("Application started",
		zap.Int("adapters", a.registry.Count()),
		zap.String("api", fmt.Sprintf("http://%s:%d/api/adapters", a.config.Server.BindIP, a.config.Server.WebPort)))
	return nil
}

// Stop shuts down the HTTP server, the adapters and then the viewers.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	err := a.webServer.Stop(ctx)
	err = multierr.Append(err, a.registry.Close(ctx))
	a.viewers.Close()
	return err
}

// createLogger builds a console logger writing to stdout and a timestamped
// file under cfg.Dir, keeping the newest cfg.MaxLogFiles files.
func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	logDir := cfg.Dir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("video-adapter-%s.log", ts))

	keep := cfg.MaxLogFiles
	if keep <= 0 {
		keep = 20
	}
	files, _ := filepath.Glob(filepath.Join(logDir, "video-adapter-*.log"))
	if len(files) >= keep {
		sort.Strings(files) // lexicographic order matches timestamp
		for _, f := range files[:len(files)-keep+1] {
			_ = os.Remove(f)
		}
	}

	zc := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return zc.Build()
}
