package health

import (
	"sort"
	"sync"
)

// Probe reports the current status of one part of the node.
type Probe func() Status

// Monitor aggregates registered probes and statuses pushed by callbacks.
// Probes are evaluated on every Report; pushed statuses are kept until
// replaced or removed.
type Monitor struct {
	name     string
	mu       sync.RWMutex
	probes   map[string]Probe
	statuses map[string]Status
}

// NewMonitor creates a monitor reporting under name.
func NewMonitor(name string) *Monitor {
	return &Monitor{
		name:     name,
		probes:   make(map[string]Probe),
		statuses: make(map[string]Status),
	}
}

// Register adds or replaces the probe for component.
func (m *Monitor) Register(component string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[component] = probe
}

// Update records a pushed status for component.
func (m *Monitor) Update(component string, status Status) {
	status.Component = component
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[component] = status
}

// Remove drops both the probe and the pushed status of component.
func (m *Monitor) Remove(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.probes, component)
	delete(m.statuses, component)
}

// Report evaluates every probe and aggregates the result with the pushed
// statuses, ordered by component name. A probe wins over a pushed status
// with the same name.
func (m *Monitor) Report() Status {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	byName := make(map[string]Status, len(m.statuses)+len(probes))
	for name, s := range m.statuses {
		byName[name] = s
	}
	m.mu.RUnlock()

	for name, probe := range probes {
		s := probe()
		s.Component = name
		byName[name] = s
	}

	subs := make([]Status, 0, len(byName))
	for _, s := range byName {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(m.name, subs)
}

// Healthy reports whether nothing is unhealthy. Degraded parts still serve.
func (m *Monitor) Healthy() bool {
	return !m.Report().IsUnhealthy()
}
