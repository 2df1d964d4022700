// Package health runs the dependency probes behind /health.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Probe checks one dependency (Postgres, Redis, the RPC node). A nil
// error means healthy.
type Probe func(ctx context.Context) error

// DefaultTimeout bounds each probe.
const DefaultTimeout = 3 * time.Second

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	probes  []namedProbe
	timeout time.Duration
}

type namedProbe struct {
	name  string
	probe Probe
}

// NewRegistry creates a registry whose probes each get timeout (DefaultTimeout if <= 0).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a named probe.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, namedProbe{name: name, probe: p})
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently and returns the aggregate health
// plus per-probe results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]namedProbe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	statuses = make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, np := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := np.probe(pctx)
			st := Status{Name: np.name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				st.Detail = err.Error()
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
