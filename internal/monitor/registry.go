package monitor

import (
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Global Stats
// -------------------------------------------------------------------------

// GlobalStats aggregates every registered path monitor.
type GlobalStats struct {
	ActivePaths     int
	AvgScore        float64
	GlobalLossRate  float64
	TotalSuccessful uint64
	TotalFailed     uint64
	UptimeSeconds   uint64
	BestPath        string
	WorstPath       string
	LastUpdated     time.Time
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry owns the per-path monitors and derives fleet-wide stats.
type Registry struct {
	mu        sync.RWMutex
	monitors  map[string]*PathMonitor
	logger    *slog.Logger
	startedAt time.Time
}

// NewRegistry creates an empty monitor registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		monitors:  make(map[string]*PathMonitor),
		logger:    logger.With(slog.String("component", "monitor.registry")),
		startedAt: time.Now(),
	}
}

// GetOrCreate returns the monitor for pathID, creating it on first use.
func (r *Registry) GetOrCreate(pathID string) *PathMonitor {
	r.mu.RLock()
	m, ok := r.monitors[pathID]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.monitors[pathID]; ok {
		return m
	}
	m = NewPathMonitor(pathID, r.logger)
	r.monitors[pathID] = m
	return m
}

// Remove stops and drops the monitor for pathID.
func (r *Registry) Remove(pathID string) {
	r.mu.Lock()
	m, ok := r.monitors[pathID]
	if ok {
		delete(r.monitors, pathID)
	}
	r.mu.Unlock()

	if ok {
		m.Stop()
	}
}

// Len returns the number of registered monitors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.monitors)
}

// StopAll stops every monitor's analysis task.
func (r *Registry) StopAll() {
	r.mu.RLock()
	monitors := make([]*PathMonitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		monitors = append(monitors, m)
	}
	r.mu.RUnlock()

	for _, m := range monitors {
		m.Stop()
	}
}

// GlobalStats aggregates all monitors: best and worst path by a
// composite score blending reliability and latency, fleet loss rate,
// and total transmission counters.
func (r *Registry) GlobalStats() GlobalStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := GlobalStats{
		AvgScore:      1.0,
		UptimeSeconds: uint64(time.Since(r.startedAt).Seconds()),
		LastUpdated:   time.Now(),
	}

	var (
		sumScore, sumLoss     float64
		bestScore, worstScore float64
		bestSet               bool
	)

	for id, m := range r.monitors {
		met := m.Metrics()
		score := (met.ReliabilityScore + 1/(1+met.AvgLatencyMs/100)) / 2

		sumScore += score
		sumLoss += met.PacketLossRate
		stats.TotalSuccessful += met.SuccessfulTx
		stats.TotalFailed += met.FailedTx

		if !bestSet || score > bestScore {
			bestScore, stats.BestPath = score, id
			bestSet = true
		}
		if stats.WorstPath == "" || score < worstScore {
			worstScore, stats.WorstPath = score, id
		}
	}

	n := len(r.monitors)
	stats.ActivePaths = n
	if n > 0 {
		stats.AvgScore = sumScore / float64(n)
		stats.GlobalLossRate = sumLoss / float64(n)
	}
	return stats
}
