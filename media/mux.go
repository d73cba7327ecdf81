package media

import (
	"net/url"
	"strings"
	"sync"
)

// Mux is an Engine that routes OpenSink by target URL scheme and delegates
// everything else to a base engine.
type Mux struct {
	Engine

	mu     sync.RWMutex
	routes map[string]SinkOpener
}

// NewMux wraps base.
func NewMux(base Engine) *Mux {
	return &Mux{
		Engine: base,
		routes: make(map[string]SinkOpener),
	}
}

// Handle registers opener for targets with the given scheme.
func (m *Mux) Handle(scheme string, opener SinkOpener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[strings.ToLower(scheme)] = opener
}

// OpenSink dispatches to the opener registered for the target scheme, or to
// the base engine when there is none.
func (m *Mux) OpenSink(opts SinkOptions) (Sink, error) {
	if opener := m.lookup(opts.Target); opener != nil {
		return opener.OpenSink(opts)
	}
	return m.Engine.OpenSink(opts)
}

func (m *Mux) lookup(target string) SinkOpener {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routes[strings.ToLower(u.Scheme)]
}
