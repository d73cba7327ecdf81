package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"video-adapter/metrics"
)

const (
	defaultQueueThreshold = 240
	defaultOfferTimeout   = 100 * time.Millisecond
)

// eventQueue hands events to a drain goroutine. Above threshold it warns;
// at twice the threshold it drops everything queued.
type eventQueue struct {
	adapter      string
	threshold    int
	offerTimeout time.Duration
	deliver      func(*Event)
	logger       *zap.Logger
	metrics      *metrics.Metrics
	warn         *rate.Limiter

	// mu is held for reading across a send so close can wait out in-flight
	// offers before the final drain.
	mu     sync.RWMutex
	closed bool

	ch   chan *Event
	stop chan struct{}
	done chan struct{}
}

func newEventQueue(adapter string, threshold int, offerTimeout time.Duration, deliver func(*Event), logger *zap.Logger, m *metrics.Metrics) *eventQueue {
	if threshold <= 0 {
		threshold = defaultQueueThreshold
	}
	if offerTimeout <= 0 {
		offerTimeout = defaultOfferTimeout
	}

	q := &eventQueue{
		adapter:      adapter,
		threshold:    threshold,
		offerTimeout: offerTimeout,
		deliver:      deliver,
		logger:       logger,
		metrics:      m,
		warn:         rate.NewLimiter(rate.Every(time.Second), 1),
		ch:           make(chan *Event, 2*threshold),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *eventQueue) offer(ev *Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		ev.Done()
		q.metrics.AddQueueDrops(q.adapter, "closed", 1)
		return
	}

	size := len(q.ch)
	if size >= 2*q.threshold {
		dropped := q.clear()
		q.metrics.AddQueueDrops(q.adapter, "overflow", dropped)
		q.logger.Warn("Listener queue overflow, dropped queued events",
			zap.Int("dropped", dropped),
			zap.Int("threshold", q.threshold))
	} else if size > q.threshold && q.warn.Allow() {
		q.logger.Warn("Listener queue above threshold",
			zap.Int("size", size),
			zap.Int("threshold", q.threshold))
	}

	timer := time.NewTimer(q.offerTimeout)
	defer timer.Stop()

	select {
	case q.ch <- ev:
	case <-timer.C:
		ev.Done()
		q.metrics.AddQueueDrops(q.adapter, "timeout", 1)
	}
}

// clear completes and discards every queued event.
func (q *eventQueue) clear() int {
	n := 0
	for {
		select {
		case ev := <-q.ch:
			ev.Done()
			n++
		default:
			return n
		}
	}
}

func (q *eventQueue) drain() {
	defer close(q.done)

	for {
		select {
		case <-q.stop:
			return
		case ev := <-q.ch:
			q.deliver(ev)
		}
	}
}

// len returns the number of queued events.
func (q *eventQueue) len() int {
	return len(q.ch)
}

func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	<-q.done

	if n := q.clear(); n > 0 {
		q.metrics.AddQueueDrops(q.adapter, "closed", n)
	}
}
