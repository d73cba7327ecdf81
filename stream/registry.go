package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"video-adapter/media"
	"video-adapter/metrics"
)

// Registry tracks running adapters by stream id. Adapters deregister
// themselves when their loop exits.
type Registry struct {
	engine  media.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics

	// configured holds the options of streams that can be started by id.
	configured map[string]Options

	mu       sync.RWMutex
	adapters map[string]*Adapter
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry whose adapters use engine.
func NewRegistry(engine media.Engine, logger *zap.Logger, m *metrics.Metrics) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		engine:     engine,
		logger:     logger,
		metrics:    m,
		configured: make(map[string]Options),
		adapters:   make(map[string]*Adapter),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Configure records opts so the stream can later be started by id.
func (r *Registry) Configure(opts Options) string {
	opts = opts.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configured[opts.ID] = opts
	return opts.ID
}

// Configured returns the configured stream ids, sorted.
func (r *Registry) Configured() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.configured))
	for id := range r.configured {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start runs the configured stream id.
func (r *Registry) Start(id string) (*Adapter, error) {
	r.mu.RLock()
	opts, ok := r.configured[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	return r.StartWith(opts)
}

// StartWith creates and runs an adapter for opts on its own goroutine.
func (r *Registry) StartWith(opts Options) (*Adapter, error) {
	a := New(opts, r.engine, r.logger, r.metrics)
	a.onExit = r.deregister

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, exists := r.adapters[a.ID()]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAdapterExists, a.ID())
	}
	r.adapters[a.ID()] = a
	n := len(r.adapters)
	r.mu.Unlock()

	r.metrics.SetActiveAdapters(n)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := a.Run(r.ctx); err != nil {
			r.logger.Error("Adapter exited with error", zap.String("adapter", a.ID()), zap.Error(err))
		}
	}()

	r.logger.Info("Adapter registered", zap.String("adapter", a.ID()))
	return a, nil
}

func (r *Registry) deregister(a *Adapter) {
	r.mu.Lock()
	if cur, ok := r.adapters[a.ID()]; ok && cur == a {
		delete(r.adapters, a.ID())
	}
	n := len(r.adapters)
	r.mu.Unlock()

	r.metrics.SetActiveAdapters(n)
	r.logger.Info("Adapter deregistered", zap.String("adapter", a.ID()))
}

// Get returns the running adapter for id.
func (r *Registry) Get(id string) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	return a, nil
}

// Stop requests the adapter for id to stop. It does not wait.
func (r *Registry) Stop(id string) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	a.Stop()
	return nil
}

// Count returns the number of running adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// List returns the status of every running adapter, sorted by id.
func (r *Registry) List() []Status {
	r.mu.RLock()
	adapters := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	statuses := make([]Status, 0, len(adapters))
	for _, a := range adapters {
		statuses = append(statuses, a.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Close stops every adapter and waits for them to exit or ctx to expire.
// Later starts fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	adapters := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			a.Stop()
			select {
			case <-a.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("adapter %s did not stop: %w", a.ID(), gctx.Err())
			}
		})
	}
	err := g.Wait()

	r.cancel()
	if err == nil {
		r.wg.Wait()
	}
	return err
}
