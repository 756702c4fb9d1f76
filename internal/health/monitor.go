package health

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/metrics"
)

type State string

const (
	StateUnknown State = "unknown"
	StateUp      State = "up"
	StateDown    State = "down"
)

// Target is one upstream the router depends on.
type Target struct {
	Name string
	URL  string
}

// Status is the last known health of a target.
type Status struct {
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	State               State      `json:"state"`
	Reason              string     `json:"reason,omitempty"`
	RTTMS               int        `json:"rtt_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}

type Config struct {
	Interval time.Duration
	// AlertAfter is how long a target must stay down before it is logged
	// as an outage.
	AlertAfter time.Duration
}

// Monitor probes the upstreams on a fixed interval and keeps their status
// in memory. Failing targets are probed less often.
type Monitor struct {
	cfg     Config
	prober  Prober
	log     *zap.Logger
	now     func() time.Time
	mu      sync.RWMutex
	status  map[string]*Status
	alerted map[string]bool
	order   []string
	wg      sync.WaitGroup
}

func NewMonitor(targets []Target, prober Prober, cfg Config, log *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = 5 * time.Minute
	}
	m := &Monitor{
		cfg:     cfg,
		prober:  prober,
		log:     log.Named("health"),
		now:     time.Now,
		status:  make(map[string]*Status, len(targets)),
		alerted: make(map[string]bool),
	}
	for _, t := range targets {
		if t.URL == "" {
			continue
		}
		m.status[t.Name] = &Status{Name: t.Name, URL: t.URL, State: StateUnknown}
		m.order = append(m.order, t.Name)
	}
	return m
}

// Start runs one round immediately and then every interval until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.CheckAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}

func (m *Monitor) Wait() { m.wg.Wait() }

// CheckAll probes every target that is not backing off, concurrently.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, st := range m.Snapshot() {
		if m.shouldSkip(st) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.check(ctx, st.Name, st.URL)
		}()
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, name, url string) {
	state, reason, rtt := m.prober.Probe(ctx, url)
	if ctx.Err() != nil {
		return
	}
	now := m.now()

	m.mu.Lock()
	st := m.status[name]
	prev := st.State
	st.State = state
	st.Reason = reason
	st.RTTMS = rtt
	st.LastCheckedAt = &now
	if state == StateUp {
		st.ConsecutiveFailures = 0
		st.LastSuccessAt = &now
	} else {
		st.ConsecutiveFailures++
	}
	failures := st.ConsecutiveFailures
	openAlert := state == StateDown && !m.alerted[name] && m.downLongEnough(st, now)
	closeAlert := state == StateUp && m.alerted[name]
	if openAlert {
		m.alerted[name] = true
	}
	if closeAlert {
		delete(m.alerted, name)
	}
	m.mu.Unlock()

	up := 0.0
	if state == StateUp {
		up = 1
	}
	metrics.UpstreamUp.WithLabelValues(name).Set(up)

	switch {
	case openAlert:
		m.log.Error("upstream down", zap.String("upstream", name), zap.String("url", url),
			zap.String("reason", reason), zap.Int("consecutive_failures", failures))
	case closeAlert:
		m.log.Info("upstream recovered", zap.String("upstream", name), zap.Int("rtt_ms", rtt))
	case prev != state:
		m.log.Warn("upstream state changed", zap.String("upstream", name),
			zap.String("from", string(prev)), zap.String("to", string(state)), zap.String("reason", reason))
	}
}

// downLongEnough reports whether st has been failing for AlertAfter. A target
// that never answered counts from its fifth failure.
func (m *Monitor) downLongEnough(st *Status, now time.Time) bool {
	if st.LastSuccessAt != nil {
		return now.Sub(*st.LastSuccessAt) > m.cfg.AlertAfter
	}
	return st.ConsecutiveFailures >= 5
}

// shouldSkip backs off failing targets: one interval after the first
// failure, two after the second, five from the sixth on.
func (m *Monitor) shouldSkip(st Status) bool {
	if st.State != StateDown || st.LastCheckedAt == nil {
		return false
	}
	backoff := m.cfg.Interval
	if st.ConsecutiveFailures > 1 {
		backoff = 2 * m.cfg.Interval
	}
	if st.ConsecutiveFailures > 5 {
		backoff = 5 * m.cfg.Interval
	}
	return m.now().Before(st.LastCheckedAt.Add(backoff))
}

// Snapshot returns a copy of every target's status, in registration order.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, *m.status[name])
	}
	return out
}

// Down lists the targets whose last probe failed.
func (m *Monitor) Down() []string {
	var down []string
	for _, st := range m.Snapshot() {
		if st.State == StateDown {
			down = append(down, st.Name)
		}
	}
	slices.SortFunc(down, strings.Compare)
	return down
}
