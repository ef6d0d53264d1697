package analytics

import (
	"context"
	"sync"
)

// Counters are allowed/blocked totals.
type Counters struct {
	Allowed int64 `json:"allowed"`
	Blocked int64 `json:"blocked"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
	} else {
		c.Blocked++
	}
}

// maxRoutes bounds distinct route keys; further routes fold into
// "METHOD other".
const maxRoutes = 1024

// MemoryRecorder keeps aggregates in process. It never expires data; use
// it for tests and single-instance development.
type MemoryRecorder struct {
	mu        sync.Mutex
	total     Counters
	bySource  map[string]Counters
	byReason  map[string]int64
	byRoute   map[string]Counters
	byRuleSet map[string]Counters
	hits      map[string]int64
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		bySource:  make(map[string]Counters),
		byReason:  make(map[string]int64),
		byRoute:   make(map[string]Counters),
		byRuleSet: make(map[string]Counters),
		hits:      make(map[string]int64),
	}
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total.add(ev.Allowed)

	src := m.bySource[string(ev.Source)]
	src.add(ev.Allowed)
	m.bySource[string(ev.Source)] = src

	if !ev.Allowed {
		m.byReason[string(ev.Reason)]++
	}

	route := routeField(ev)
	rc, ok := m.byRoute[route]
	if !ok && len(m.byRoute) >= maxRoutes {
		route = routeField(Event{Method: ev.Method, Route: "other"})
		rc = m.byRoute[route]
	}
	rc.add(ev.Allowed)
	m.byRoute[route] = rc

	if ev.RuleSet != "" {
		rs := m.byRuleSet[ev.RuleSet]
		rs.add(ev.Allowed)
		m.byRuleSet[ev.RuleSet] = rs
	}

	for _, h := range ev.Hits {
		m.hits[h.RuleID]++
	}
	return nil
}

// Total returns overall counters.
func (m *MemoryRecorder) Total() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// BySource returns counters keyed by decision source.
func (m *MemoryRecorder) BySource() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.bySource)
}

// ByReason returns block counts keyed by reason.
func (m *MemoryRecorder) ByReason() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.byReason)
}

// ByRoute returns counters keyed by "METHOD route".
func (m *MemoryRecorder) ByRoute() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.byRoute)
}

// ByRuleSet returns counters keyed by the rule set that evaluated the request.
func (m *MemoryRecorder) ByRuleSet() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.byRuleSet)
}

// Hits returns MONITOR/FLAG hit counts keyed by rule id.
func (m *MemoryRecorder) Hits() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.hits)
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
