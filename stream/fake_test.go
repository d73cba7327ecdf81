package stream

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"video-adapter/media"
)

// fakeBuffer is the native memory behind frames and packets. refs counts
// live engine references; frees counts how often it hit zero.
type fakeBuffer struct {
	refs  atomic.Int32
	frees atomic.Int32
	under atomic.Int32
}

func (b *fakeBuffer) unref() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		b.frees.Add(1)
	case n < 0:
		b.under.Add(1)
	}
}

type fakeFrame struct {
	buf  *fakeBuffer
	w, h int
}

func (f *fakeFrame) Width() int  { return f.w }
func (f *fakeFrame) Height() int { return f.h }

func (f *fakeFrame) Image() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, f.w, f.h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img, nil
}

type fakePacket struct {
	buf  *fakeBuffer
	data []byte
}

func (p *fakePacket) Size() int      { return len(p.data) }
func (p *fakePacket) Data() []byte   { return p.data }
func (p *fakePacket) Keyframe() bool { return false }

// pull decides what the i-th pull (0-based) of a fakeSource yields.
type pull func(i int) (ok bool, err error)

// script yields n units, then nothing.
func script(n int) pull {
	return func(i int) (bool, error) { return i < n, nil }
}

// endless yields a unit every pull after a short pause.
func endless(pause time.Duration) pull {
	return func(int) (bool, error) {
		time.Sleep(pause)
		return true, nil
	}
}

type fakeSource struct {
	engine *fakeEngine
	next   pull
	pulls  atomic.Int32
	closed atomic.Int32
	// onPull runs before each pull decision.
	onPull func(i int)
}

func (s *fakeSource) pull() (*fakeBuffer, error) {
	i := int(s.pulls.Add(1) - 1)
	if s.onPull != nil {
		s.onPull(i)
	}
	ok, err := s.next(i)
	if err != nil || !ok {
		return nil, err
	}
	return s.engine.alloc(), nil
}

func (s *fakeSource) PullFrame() (media.Frame, error) {
	buf, err := s.pull()
	if buf == nil {
		return nil, err
	}
	return &fakeFrame{buf: buf, w: 4, h: 4}, nil
}

func (s *fakeSource) PullPacket() (media.Packet, error) {
	buf, err := s.pull()
	if buf == nil {
		return nil, err
	}
	return &fakePacket{buf: buf, data: []byte{0, 0, 0, 1}}, nil
}

func (s *fakeSource) Timestamp() int64 { return int64(s.pulls.Load()) * 40000 }

func (s *fakeSource) Geometry() media.Geometry {
	return media.Geometry{Width: 4, Height: 4, FrameRate: 25}
}

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeSink struct {
	target   string
	startErr error

	mu       sync.Mutex
	frames   int
	packets  int
	started  int
	stopped  int
	released int
}

func (s *fakeSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	return nil
}

func (s *fakeSink) EncodeFrame(media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *fakeSink) EncodePacket(media.Packet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	return true, nil
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *fakeSink) counts() (frames, packets, started, stopped, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.packets, s.started, s.stopped, s.released
}

type fakeEngine struct {
	source  *fakeSource
	openErr error
	sinkErr error

	// sinkOpening, when set, receives a signal as OpenSink is entered;
	// sinkGate, when set, holds OpenSink until it is closed.
	sinkOpening chan struct{}
	sinkGate    chan struct{}
	// cloneFails makes CloneFrame return an error.
	cloneFails atomic.Bool
	// closedAtOpen records source.closed as each sink was opened.
	closedAtOpen []int32

	mu      sync.Mutex
	buffers []*fakeBuffer
	sinks   []*fakeSink
}

func newFakeEngine(next pull) *fakeEngine {
	e := &fakeEngine{}
	e.source = &fakeSource{engine: e, next: next}
	return e
}

func (e *fakeEngine) alloc() *fakeBuffer {
	b := &fakeBuffer{}
	b.refs.Store(1)
	e.mu.Lock()
	e.buffers = append(e.buffers, b)
	e.mu.Unlock()
	return b
}

func (e *fakeEngine) OpenSource(string, media.SourceOptions) (media.Source, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	return e.source, nil
}

func (e *fakeEngine) OpenSink(opts media.SinkOptions) (media.Sink, error) {
	if e.sinkOpening != nil {
		select {
		case e.sinkOpening <- struct{}{}:
		default:
		}
	}
	if e.sinkGate != nil {
		<-e.sinkGate
	}
	if e.sinkErr != nil {
		return nil, e.sinkErr
	}
	s := &fakeSink{target: opts.Target}
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.closedAtOpen = append(e.closedAtOpen, e.source.closed.Load())
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) RetainPacket(p media.Packet) (media.Packet, error) {
	fp := p.(*fakePacket)
	if fp.buf.refs.Add(1) <= 1 {
		return nil, errors.New("retain on freed packet")
	}
	return &fakePacket{buf: fp.buf, data: fp.data}, nil
}

func (e *fakeEngine) ReleasePacket(p media.Packet) { p.(*fakePacket).buf.unref() }

func (e *fakeEngine) CloneFrame(f media.Frame) (media.Frame, error) {
	if e.cloneFails.Load() {
		return nil, errors.New("clone failed")
	}
	ff := f.(*fakeFrame)
	return &fakeFrame{buf: e.alloc(), w: ff.w, h: ff.h}, nil
}

func (e *fakeEngine) ReleaseFrame(f media.Frame) { f.(*fakeFrame).buf.unref() }

func (e *fakeEngine) sourceClosedAtOpen() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int32(nil), e.closedAtOpen...)
}

func (e *fakeEngine) sinkList() []*fakeSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeSink(nil), e.sinks...)
}

// assertAllFreedOnce checks every native buffer the engine handed out was
// freed exactly once and never released past zero.
func (e *fakeEngine) assertAllFreedOnce(t *testing.T) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, b := range e.buffers {
		if got := b.frees.Load(); got != 1 {
			t.Errorf("buffer %d freed %d times, want 1", i, got)
		}
		if got := b.under.Load(); got != 0 {
			t.Errorf("buffer %d released past zero %d times", i, got)
		}
	}
}

// countingListener records events and completes them.
type countingListener struct {
	name     string
	kind     ListenerKind
	events   atomic.Int32
	starts   atomic.Int32
	closes   atomic.Int32
	closeErr error

	// hold keeps events pending instead of completing them.
	hold bool
	mu   sync.Mutex
	held []*Event
}

func (l *countingListener) Name() string       { return l.name }
func (l *countingListener) Kind() ListenerKind { return l.kind }

func (l *countingListener) Start() error {
	l.starts.Add(1)
	return nil
}

func (l *countingListener) FireOnEvent(ev *Event) {
	l.events.Add(1)
	if l.hold {
		l.mu.Lock()
		l.held = append(l.held, ev)
		l.mu.Unlock()
		return
	}
	ev.Done()
}

func (l *countingListener) Close() error {
	l.closes.Add(1)
	return l.closeErr
}

func (l *countingListener) releaseHeld() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.held {
		ev.Done()
	}
	l.held = nil
}
