package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"video-adapter/media"
	"video-adapter/metrics"
)

// ListenerKind tags what a listener does with the units it receives.
type ListenerKind int

const (
	// Republish pushes units to a network destination.
	Republish ListenerKind = iota
	// Record writes units to a file.
	Record
)

func (k ListenerKind) String() string {
	switch k {
	case Republish:
		return "republish"
	case Record:
		return "record"
	default:
		return "unknown"
	}
}

// Listener consumes events dispatched by an Adapter.
type Listener interface {
	Name() string
	Kind() ListenerKind
	Start() error
	// FireOnEvent must call ev.Done exactly once, whatever the outcome.
	FireOnEvent(ev *Event)
	Close() error
}

// ListenerOptions configures NewListener.
type ListenerOptions struct {
	Adapter string
	Kind    ListenerKind
	// Target is the destination URL (Republish) or file path (Record).
	Target string
	Format string
	Preset string
	Mode   media.Mode

	// Queued moves encoding onto a dedicated goroutine behind a bounded
	// queue.
	Queued         bool
	QueueThreshold int
	OfferTimeout   time.Duration
}

// SinkListener feeds events into a media.Sink.
type SinkListener struct {
	name    string
	kind    ListenerKind
	adapter string
	target  string
	logger  *zap.Logger
	metrics *metrics.Metrics

	sink    media.Sink
	openErr error

	// mu serializes encoding against Start and Close.
	mu      sync.Mutex
	started atomic.Bool
	closed  atomic.Bool

	queue *eventQueue
}

// NewListener opens a sink for opts.Target against src. A sink that cannot
// be opened is logged and reported later by Start.
func NewListener(opener media.SinkOpener, src media.Source, opts ListenerOptions, logger *zap.Logger, m *metrics.Metrics) *SinkListener {
	name := fmt.Sprintf("%s-%s", opts.Kind, opts.Adapter)
	l := &SinkListener{
		name:    name,
		kind:    opts.Kind,
		adapter: opts.Adapter,
		target:  opts.Target,
		logger:  logger.With(zap.String("listener", name), zap.String("target", opts.Target)),
		metrics: m,
	}

	sinkOpts := media.SinkOptions{
		Target: opts.Target,
		Format: opts.Format,
		Preset: opts.Preset,
		Mode:   opts.Mode,
		Source: src,
	}
	if src != nil {
		sinkOpts.Geometry = src.Geometry()
	}

	sink, err := opener.OpenSink(sinkOpts)
	if err != nil {
		l.openErr = err
		l.logger.Error("Failed to open sink", zap.Error(err))
	} else {
		l.sink = sink
	}

	if opts.Queued {
		l.queue = newEventQueue(opts.Adapter, opts.QueueThreshold, opts.OfferTimeout, l.deliver, l.logger, m)
	}

	return l
}

func (l *SinkListener) Name() string       { return l.name }
func (l *SinkListener) Kind() ListenerKind { return l.kind }
func (l *SinkListener) Target() string     { return l.target }

// Start starts the sink.
func (l *SinkListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sink == nil {
		if l.openErr != nil {
			return fmt.Errorf("%w: %v", ErrSinkNotOpen, l.openErr)
		}
		return ErrSinkNotOpen
	}
	if l.closed.Load() {
		return fmt.Errorf("listener %s is closed", l.name)
	}
	if l.started.Load() {
		return nil
	}

	if err := l.sink.Start(); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}
	l.started.Store(true)
	l.logger.Info("Listener started")
	return nil
}

// FireOnEvent encodes the event's unit, or enqueues it for a queued
// listener.
func (l *SinkListener) FireOnEvent(ev *Event) {
	if l.queue != nil {
		l.queue.offer(ev)
		return
	}
	l.deliver(ev)
}

func (l *SinkListener) deliver(ev *Event) {
	defer ev.Done()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started.Load() || l.closed.Load() {
		l.logger.Warn("Event fired on a listener that is not running")
		return
	}

	if ev.IsPacket() {
		accepted, err := l.sink.EncodePacket(ev.Packet())
		if err != nil || !accepted {
			l.metrics.IncEncodeFailures(l.adapter, l.kind.String())
			l.logger.Debug("Packet not accepted by sink", zap.Bool("accepted", accepted), zap.Error(err))
		}
		return
	}

	if err := l.sink.EncodeFrame(ev.Frame()); err != nil {
		l.metrics.IncEncodeFailures(l.adapter, l.kind.String())
		l.logger.Error("Failed to encode frame", zap.Error(err))
	}
}

// Close stops and releases the sink. It is safe to call without Start and
// more than once.
func (l *SinkListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	if l.queue != nil {
		l.queue.close()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sink == nil {
		return nil
	}

	var err error
	if l.started.Swap(false) {
		err = multierr.Append(err, l.sink.Stop())
	}
	err = multierr.Append(err, l.sink.Release())
	if err != nil {
		l.logger.Warn("Listener closed with errors", zap.Error(err))
		return err
	}

	l.logger.Info("Listener closed")
	return nil
}
