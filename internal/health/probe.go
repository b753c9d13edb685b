package health

import (
	"context"
	"sync"
	"time"
)

// Probe is one dependency check. It must honor ctx cancellation; the
// runner bounds every call with its timeout.
type Probe func(ctx context.Context) error

type Result struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ProbeRunner re-checks registered dependencies in the background and
// answers readiness from the latest results. Before the first background
// pass completes, Ready probes on demand so startup is never reported
// ready on stale air.
type ProbeRunner struct {
	interval time.Duration
	timeout  time.Duration

	mu      sync.RWMutex
	probes  map[string]Probe
	order   []string
	results map[string]Result

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewProbeRunner(interval, timeout time.Duration) *ProbeRunner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{
		interval: interval,
		timeout:  timeout,
		probes:   make(map[string]Probe),
		results:  make(map[string]Result),
		stopCh:   make(chan struct{}),
	}
}

func (p *ProbeRunner) Register(name string, probe Probe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.probes[name]; !exists {
		p.order = append(p.order, name)
	}
	p.probes[name] = probe
}

// Start launches the background loop. Call Stop (or cancel ctx) to end it.
func (p *ProbeRunner) Start(ctx context.Context) {
	go func() {
		p.runAll(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runAll(ctx)
			}
		}
	}()
}

func (p *ProbeRunner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *ProbeRunner) runAll(ctx context.Context) {
	p.mu.RLock()
	names := make([]string, len(p.order))
	copy(names, p.order)
	probes := make(map[string]Probe, len(p.probes))
	for k, v := range p.probes {
		probes[k] = v
	}
	p.mu.RUnlock()

	for _, name := range names {
		res := p.runOne(ctx, name, probes[name])
		p.mu.Lock()
		p.results[name] = res
		p.mu.Unlock()
	}
}

func (p *ProbeRunner) runOne(ctx context.Context, name string, probe Probe) Result {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	res := Result{Name: name, Healthy: true, CheckedAt: time.Now().UTC()}
	if err := probe(probeCtx); err != nil {
		res.Healthy = false
		res.Error = err.Error()
	}
	return res
}

// Ready reports overall readiness plus per-dependency results in
// registration order. Probes never yet run by the background loop are
// run inline.
func (p *ProbeRunner) Ready(ctx context.Context) (bool, []Result) {
	p.mu.RLock()
	names := make([]string, len(p.order))
	copy(names, p.order)
	probes := make(map[string]Probe, len(p.probes))
	for k, v := range p.probes {
		probes[k] = v
	}
	cached := make(map[string]Result, len(p.results))
	for k, v := range p.results {
		cached[k] = v
	}
	p.mu.RUnlock()

	ready := true
	results := make([]Result, 0, len(names))
	for _, name := range names {
		res, ok := cached[name]
		if !ok {
			res = p.runOne(ctx, name, probes[name])
			p.mu.Lock()
			p.results[name] = res
			p.mu.Unlock()
		}
		if !res.Healthy {
			ready = false
		}
		results = append(results, res)
	}
	return ready, results
}
