// Package stream implements the capture-and-fan-out pipeline: an Adapter
// pulls units from a source and dispatches them to listeners, releasing each
// native buffer once every listener is done with it.
package stream

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"video-adapter/media"
	"video-adapter/metrics"
)

const (
	defaultNullPullThreshold    = 5
	defaultCaptureSubmitTimeout = 3000 * time.Millisecond
	defaultCaptureResultTimeout = 5000 * time.Millisecond
	defaultDiagnosticsInterval  = 100
)

// Options configures an Adapter.
type Options struct {
	// ID names the stream and its directory under Root. Derived from
	// RepublishURL when empty.
	ID           string
	SourceURL    string
	RepublishURL string
	Root         string
	Mode         media.Mode
	Transport    string
	SaveOnStart  bool

	Format string
	Preset string

	// Queued selects the queued delivery strategy for the adapter's own
	// listeners.
	Queued         bool
	QueueThreshold int
	OfferTimeout   time.Duration

	NullPullThreshold    int
	CaptureSubmitTimeout time.Duration
	CaptureResultTimeout time.Duration
	DiagnosticsInterval  int

	// Location decides where midnight falls for recording rotation.
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = StreamIDFromURL(o.RepublishURL)
	}
	if o.Transport == "" {
		o.Transport = "tcp"
	}
	if o.Format == "" {
		o.Format = "flv"
	}
	if o.Preset == "" {
		o.Preset = "ultrafast"
	}
	if o.NullPullThreshold <= 0 {
		o.NullPullThreshold = defaultNullPullThreshold
	}
	if o.CaptureSubmitTimeout <= 0 {
		o.CaptureSubmitTimeout = defaultCaptureSubmitTimeout
	}
	if o.CaptureResultTimeout <= 0 {
		o.CaptureResultTimeout = defaultCaptureResultTimeout
	}
	if o.DiagnosticsInterval <= 0 {
		o.DiagnosticsInterval = defaultDiagnosticsInterval
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Status is a snapshot of an adapter's state.
type Status struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Mode      string `json:"mode"`
	Running   bool   `json:"running"`
	Recording bool   `json:"recording"`
	Pushing   bool   `json:"pushing"`
	Listeners int    `json:"listeners"`
}

// Adapter runs the pull loop for one source.
type Adapter struct {
	opts    Options
	engine  media.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	onExit  func(*Adapter)

	// mu guards the listener list and source. It is held for the whole
	// dispatch of one unit.
	mu        sync.Mutex
	listeners []Listener
	source    media.Source
	exited    bool

	// toggleMu serializes recording and pushing transitions.
	toggleMu  sync.Mutex
	recording atomic.Bool
	pushing   atomic.Bool

	started atomic.Bool
	running atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	capture  atomic.Pointer[captureRequest]
	captures *captureWorker

	// Loop goroutine only.
	frames       uint64
	nullPulls    int
	nextRotation time.Time
}

// New creates an adapter. Nothing is opened until Run.
func New(opts Options, engine media.Engine, logger *zap.Logger, m *metrics.Metrics) *Adapter {
	opts = opts.withDefaults()
	return &Adapter{
		opts:    opts,
		engine:  engine,
		logger:  logger.With(zap.String("adapter", opts.ID)),
		metrics: m,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// ID returns the stream id.
func (a *Adapter) ID() string { return a.opts.ID }

// Done is closed once Run has returned and cleanup finished.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Dir returns the stream directory.
func (a *Adapter) Dir() string { return streamDir(a.opts.Root, a.opts.ID) }

func (a *Adapter) videosDir() string   { return filepath.Join(a.Dir(), videosDir) }
func (a *Adapter) capturesDir() string { return filepath.Join(a.Dir(), capturesDir) }

// Status returns a snapshot of the adapter state.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	n := len(a.listeners)
	a.mu.Unlock()

	return Status{
		ID:        a.opts.ID,
		Source:    a.opts.SourceURL,
		Mode:      a.opts.Mode.String(),
		Running:   a.running.Load(),
		Recording: a.recording.Load(),
		Pushing:   a.pushing.Load(),
		Listeners: n,
	}
}

// Run opens the source, starts the listeners and pulls until the adapter is
// stopped, ctx is cancelled or the source goes quiet. Failing to open the
// source or prepare the stream directories aborts before the loop. Cleanup
// runs on every exit path.
func (a *Adapter) Run(ctx context.Context) (err error) {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	a.captures = newCaptureWorker(a.engine.ReleaseFrame, a.now, a.logger)
	a.running.Store(true)

	defer a.cleanup()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Adapter loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("adapter %s panicked: %v", a.opts.ID, r)
		}
	}()

	if err := a.open(); err != nil {
		a.logger.Error("Adapter failed to start", zap.Error(err))
		return err
	}

	a.logger.Info("Adapter started",
		zap.String("source", a.opts.SourceURL),
		zap.String("mode", a.opts.Mode.String()))

	return a.loop(ctx)
}

func (a *Adapter) open() error {
	src, err := a.engine.OpenSource(a.opts.SourceURL, media.SourceOptions{
		Mode:      a.opts.Mode,
		Transport: a.opts.Transport,
	})
	if err != nil {
		return fmt.Errorf("failed to open source %s: %w", a.opts.SourceURL, err)
	}

	a.mu.Lock()
	a.source = src
	registered := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()

	for _, l := range registered {
		if err := l.Start(); err != nil {
			a.logger.Error("Failed to start listener", zap.String("listener", l.Name()), zap.Error(err))
		}
	}

	for _, dir := range []string{a.Dir(), a.videosDir(), a.capturesDir()} {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}

	if a.opts.SaveOnStart {
		if err := a.StartRecording(); err != nil {
			a.logger.Error("Failed to start recording", zap.Error(err))
		}
	}
	if err := a.StartPushing(); err != nil {
		a.logger.Error("Failed to start pushing", zap.Error(err))
	}

	a.nextRotation = nextMidnight(a.now(), a.opts.Location)
	return nil
}

func (a *Adapter) loop(ctx context.Context) error {
	for {
		if a.stopped.Load() {
			a.logger.Info("Adapter stopped")
			return nil
		}
		select {
		case <-ctx.Done():
			a.logger.Info("Adapter context cancelled")
			return nil
		default:
		}

		a.frames++
		if a.frames%uint64(a.opts.DiagnosticsInterval) == 0 {
			a.logger.Debug("Pull loop progress",
				zap.Uint64("frames", a.frames),
				zap.Int("listeners", a.listenerCount()))
		}

		if now := a.now(); !now.Before(a.nextRotation) {
			a.nextRotation = nextMidnight(now, a.opts.Location)
			if a.recording.Load() {
				a.rotate()
			}
		}

		var ok bool
		if a.opts.Mode == media.ModePacket {
			ok = a.processPacket()
		} else {
			ok = a.processFrame()
		}

		if ok {
			a.nullPulls = 0
			continue
		}

		a.nullPulls++
		a.metrics.IncNullPulls(a.opts.ID)
		if a.nullPulls >= a.opts.NullPullThreshold {
			a.logger.Warn("Source produced no data, stopping adapter",
				zap.Int("null_pulls", a.nullPulls))
			a.Stop()
			return nil
		}
	}
}

func (a *Adapter) processFrame() bool {
	f, err := a.source.PullFrame()
	if err != nil {
		a.logger.Debug("Frame pull failed", zap.Error(err))
		return false
	}
	if f == nil {
		return false
	}
	a.metrics.IncPulls(a.opts.ID, media.ModeFrame.String())

	h := NewFrameHandle(f, a.engine.ReleaseFrame)
	ts := a.source.Timestamp()

	a.interceptCapture(f)

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.listeners) == 0 {
		_ = h.Release()
		return true
	}

	ev := newEvent(a.opts.ID, h, ts, len(a.listeners))
	for _, l := range a.listeners {
		l.FireOnEvent(ev)
	}
	a.metrics.IncEvents(a.opts.ID)
	return true
}

// processPacket gives every listener its own reference to the packet and
// then drops the reference the pull produced.
func (a *Adapter) processPacket() bool {
	p, err := a.source.PullPacket()
	if err != nil {
		a.logger.Debug("Packet pull failed", zap.Error(err))
		return false
	}
	if p == nil {
		return false
	}
	a.metrics.IncPulls(a.opts.ID, media.ModePacket.String())

	h := NewPacketHandle(p, a.engine.ReleasePacket)
	defer h.Release()

	ts := a.source.Timestamp()

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, l := range a.listeners {
		ref, err := a.engine.RetainPacket(p)
		if err != nil {
			a.logger.Error("Failed to reference packet", zap.String("listener", l.Name()), zap.Error(err))
			continue
		}
		l.FireOnEvent(newEvent(a.opts.ID, NewPacketHandle(ref, a.engine.ReleasePacket), ts, 1))
		a.metrics.IncEvents(a.opts.ID)
	}
	return true
}

func (a *Adapter) interceptCapture(f media.Frame) {
	req := a.capture.Load()
	if req == nil || !req.taken.CompareAndSwap(false, true) {
		return
	}

	clone, err := a.engine.CloneFrame(f)
	if err != nil {
		a.logger.Error("Failed to clone frame for capture", zap.Error(err))
		req.settle(false)
		return
	}

	dir := a.capturesDir()
	if err := ensureDir(dir); err != nil {
		a.engine.ReleaseFrame(clone)
		a.logger.Error("Capture directory unavailable", zap.Error(err))
		req.settle(false)
		return
	}

	res, ok := a.captures.submit(clone, dir)
	if !ok {
		a.logger.Warn("Capture worker busy")
		req.settle(false)
		return
	}
	req.submitted <- res
}

// Capture snapshots the next frame to the captures directory. Only one
// capture may be outstanding; a concurrent call returns false at once. It
// must not be called from a listener.
func (a *Adapter) Capture(ctx context.Context) bool {
	ok := a.doCapture(ctx)
	a.metrics.IncCaptures(a.opts.ID, ok)
	return ok
}

func (a *Adapter) doCapture(ctx context.Context) bool {
	if a.opts.Mode != media.ModeFrame {
		a.logger.Warn("Capture requires frame mode")
		return false
	}
	if !a.running.Load() {
		return false
	}

	req := newCaptureRequest()
	if !a.capture.CompareAndSwap(nil, req) {
		a.logger.Debug("Capture already in progress")
		return false
	}
	defer a.capture.CompareAndSwap(req, nil)

	submitTimer := time.NewTimer(a.opts.CaptureSubmitTimeout)
	defer submitTimer.Stop()

	var result <-chan bool
	select {
	case result = <-req.submitted:
	case <-submitTimer.C:
		a.logger.Warn("Capture was not picked up in time",
			zap.Duration("timeout", a.opts.CaptureSubmitTimeout))
		return false
	case <-ctx.Done():
		return false
	case <-a.done:
		return false
	}

	resultTimer := time.NewTimer(a.opts.CaptureResultTimeout)
	defer resultTimer.Stop()

	select {
	case ok := <-result:
		return ok
	case <-resultTimer.C:
		a.logger.Warn("Capture did not finish in time",
			zap.Duration("timeout", a.opts.CaptureResultTimeout))
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop asks the loop to exit at its next iteration.
func (a *Adapter) Stop() {
	if !a.stopped.Swap(true) {
		a.logger.Info("Adapter stop requested")
	}
}

func (a *Adapter) cleanup() {
	a.stopped.Store(true)

	// A recording or pushing toggle in flight still holds the source; let it
	// finish so its listener is closed below with the others.
	a.toggleMu.Lock()
	a.mu.Lock()
	src := a.source
	ls := a.listeners
	a.source = nil
	a.listeners = nil
	a.exited = true
	a.mu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			a.logger.Error("Failed to close source", zap.Error(err))
		}
	}

	var errs error
	for _, l := range ls {
		errs = multierr.Append(errs, closeListener(l))
	}
	if errs != nil {
		a.logger.Error("Some listeners failed to close", zap.Error(errs))
	}

	a.recording.Store(false)
	a.pushing.Store(false)
	a.toggleMu.Unlock()

	a.captures.close()
	a.running.Store(false)

	if a.onExit != nil {
		a.onExit(a)
	}

	a.logger.Info("Adapter exited", zap.Uint64("frames", a.frames))
	close(a.done)
}

func closeListener(l Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panicked on close: %v", l.Name(), r)
		}
	}()
	return l.Close()
}

// AddListener registers l at the end of the dispatch order.
func (a *Adapter) AddListener(l Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exited {
		return ErrNotRunning
	}
	a.listeners = append(a.listeners, l)
	return nil
}

// RemoveListener closes and unregisters l. It reports whether l was
// registered.
func (a *Adapter) RemoveListener(l Listener) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, cur := range a.listeners {
		if cur == l {
			a.removeAt(i)
			return true
		}
	}
	return false
}

// RemoveListenerKind closes and unregisters the first listener of kind.
func (a *Adapter) RemoveListenerKind(kind ListenerKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, cur := range a.listeners {
		if cur.Kind() == kind {
			a.removeAt(i)
			return true
		}
	}
	return false
}

func (a *Adapter) removeAt(i int) {
	l := a.listeners[i]
	if err := closeListener(l); err != nil {
		a.logger.Error("Failed to close listener", zap.String("listener", l.Name()), zap.Error(err))
	}
	a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
}

func (a *Adapter) listenerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

func (a *Adapter) currentSource() media.Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.source
}

// StartRecording starts writing to a new file under videos/.
func (a *Adapter) StartRecording() error {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	if a.recording.Load() {
		a.logger.Warn("Recording already started")
		return nil
	}
	return a.startRecordingLocked()
}

func (a *Adapter) startRecordingLocked() error {
	if a.currentSource() == nil {
		return ErrNotRunning
	}
	if err := ensureDir(a.videosDir()); err != nil {
		return err
	}
	target := filepath.Join(a.videosDir(), recordingName(a.now().In(a.opts.Location), a.opts.Format))
	if err := a.startListener(Record, target); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	a.recording.Store(true)
	return nil
}

// StopRecording closes the recording listener.
func (a *Adapter) StopRecording() error {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	if !a.recording.Load() {
		a.logger.Warn("Recording already stopped")
		return nil
	}
	a.RemoveListenerKind(Record)
	a.recording.Store(false)
	return nil
}

// StartPushing starts re-publishing to the configured URL.
func (a *Adapter) StartPushing() error {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	if a.pushing.Load() {
		a.logger.Warn("Pushing already started")
		return nil
	}
	if a.opts.RepublishURL == "" {
		return errors.New("no republish url configured")
	}
	if err := a.startListener(Republish, a.opts.RepublishURL); err != nil {
		return fmt.Errorf("failed to start pushing: %w", err)
	}
	a.pushing.Store(true)
	return nil
}

// StopPushing closes the re-publish listener.
func (a *Adapter) StopPushing() error {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	if !a.pushing.Load() {
		a.logger.Warn("Pushing already stopped")
		return nil
	}
	a.RemoveListenerKind(Republish)
	a.pushing.Store(false)
	return nil
}

func (a *Adapter) startListener(kind ListenerKind, target string) error {
	src := a.currentSource()
	if src == nil {
		return ErrNotRunning
	}

	l := NewListener(a.engine, src, ListenerOptions{
		Adapter:        a.opts.ID,
		Kind:           kind,
		Target:         target,
		Format:         a.opts.Format,
		Preset:         a.opts.Preset,
		Mode:           a.opts.Mode,
		Queued:         a.opts.Queued,
		QueueThreshold: a.opts.QueueThreshold,
		OfferTimeout:   a.opts.OfferTimeout,
	}, a.logger, a.metrics)

	if err := l.Start(); err != nil {
		_ = l.Close()
		return err
	}
	if err := a.AddListener(l); err != nil {
		_ = l.Close()
		return err
	}
	return nil
}

// rotate closes the current recording and opens a new file.
func (a *Adapter) rotate() {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	if !a.recording.Load() {
		return
	}

	a.logger.Info("Rotating recording at day boundary")
	a.RemoveListenerKind(Record)
	a.recording.Store(false)
	if err := a.startRecordingLocked(); err != nil {
		a.logger.Error("Failed to reopen recording after rotation", zap.Error(err))
		return
	}
	a.metrics.IncRotations(a.opts.ID)
}

// ListFiles returns the recording file names, sorted.
func (a *Adapter) ListFiles() ([]string, error) {
	return listRegularFiles(a.videosDir())
}

// ListCaptures returns the capture file names, sorted.
func (a *Adapter) ListCaptures() ([]string, error) {
	return listRegularFiles(a.capturesDir())
}
