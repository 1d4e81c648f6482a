// Package backpressure provides admission control for the cluster
// transport's per-peer send queues: a queue-utilization score maps to a
// backpressure level, which callers consult before enqueueing another
// outbound Data or Progress frame. Adapted unchanged from the teacher's
// generic system-metrics backpressure manager (pkg/backpressure/manager.go)
// — retargeted from CPU/memory/IO load shedding to transport queue depth.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is a discrete backpressure severity.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config holds the thresholds and timing for level transitions.
type Config struct {
	// Thresholds for each level, as a fraction of queue capacity.
	LowThreshold      float64 `yaml:"low_threshold"`      // 0.6 = 60%
	MediumThreshold   float64 `yaml:"medium_threshold"`   // 0.75 = 75%
	HighThreshold     float64 `yaml:"high_threshold"`     // 0.9 = 90%
	CriticalThreshold float64 `yaml:"critical_threshold"` // 0.95 = 95%

	// Timing knobs governing how often levels are reevaluated and how
	// long a level is held once reached.
	CheckInterval    time.Duration `yaml:"check_interval"`    // Intervalo de verificação
	StabilizeTime    time.Duration `yaml:"stabilize_time"`    // Tempo para estabilizar nível
	CooldownTime     time.Duration `yaml:"cooldown_time"`     // Tempo de cooldown entre mudanças

	// Admission reduction factor applied at each level.
	LowReduction      float64 `yaml:"low_reduction"`      // 0.9 = 90% da capacidade
	MediumReduction   float64 `yaml:"medium_reduction"`   // 0.7 = 70% da capacidade
	HighReduction     float64 `yaml:"high_reduction"`     // 0.5 = 50% da capacidade
	CriticalReduction float64 `yaml:"critical_reduction"` // 0.2 = 20% da capacidade
}

// Metrics is the input to the level calculation. For transport queues,
// QueueUtilization is the only signal that varies; the rest default to
// zero unless a caller wires in process-level telemetry.
type Metrics struct {
	QueueUtilization  float64 // 0.0 - 1.0
	MemoryUtilization float64 // 0.0 - 1.0
	CPUUtilization    float64 // 0.0 - 1.0
	IOUtilization     float64 // 0.0 - 1.0
	ErrorRate         float64 // 0.0 - 1.0
}

// Manager tracks a smoothed backpressure level from queue (and
// optionally process) utilization and exposes admission decisions.
type Manager struct {
	config Config
	logger *logrus.Logger

	// Current state.
	currentLevel     Level
	currentFactor    float64
	lastLevelChange  time.Time
	lastCheck        time.Time
	stabilizeUntil   time.Time

	// Callbacks.
	onLevelChange func(Level, Level, float64)

	// Most recently observed metrics.
	metrics Metrics

	mu sync.RWMutex
}

// NewManager returns a Manager with defaulted thresholds.
func NewManager(config Config, logger *logrus.Logger) *Manager {
	// Defaults.
	if config.LowThreshold == 0 {
		config.LowThreshold = 0.6
	}
	if config.MediumThreshold == 0 {
		config.MediumThreshold = 0.75
	}
	if config.HighThreshold == 0 {
		config.HighThreshold = 0.9
	}
	if config.CriticalThreshold == 0 {
		config.CriticalThreshold = 0.95
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}
	if config.StabilizeTime == 0 {
		config.StabilizeTime = 30 * time.Second
	}
	if config.CooldownTime == 0 {
		config.CooldownTime = 10 * time.Second
	}
	if config.LowReduction == 0 {
		config.LowReduction = 0.9
	}
	if config.MediumReduction == 0 {
		config.MediumReduction = 0.7
	}
	if config.HighReduction == 0 {
		config.HighReduction = 0.5
	}
	if config.CriticalReduction == 0 {
		config.CriticalReduction = 0.2
	}

	return &Manager{
		config:        config,
		logger:        logger,
		currentLevel:  LevelNone,
		currentFactor: 1.0,
	}
}

// UpdateMetrics records a new observation and reevaluates the level.
func (m *Manager) UpdateMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = metrics
	m.lastCheck = time.Now()

	// Verificar se precisa ajustar o nível
	m.evaluateLevel()
}

// evaluateLevel recomputes the level from the current metrics.
func (m *Manager) evaluateLevel() {
	// Weighted overall score.
	overallScore := (m.metrics.QueueUtilization * 0.3) +
		(m.metrics.MemoryUtilization * 0.25) +
		(m.metrics.CPUUtilization * 0.2) +
		(m.metrics.IOUtilization * 0.15) +
		(m.metrics.ErrorRate * 0.1)

	// Determine the new level from the score.
	newLevel := m.calculateLevel(overallScore)

	// Respect the cooldown window between level changes.
	if time.Since(m.lastLevelChange) < m.config.CooldownTime {
		return
	}

	// Hold the current level until the stabilize window elapses.
	if time.Now().Before(m.stabilizeUntil) && newLevel != m.currentLevel {
		return
	}

	// Apply the change.
	if newLevel != m.currentLevel {
		m.changeLevel(newLevel)
	}
}

// calculateLevel maps a score to a Level.
func (m *Manager) calculateLevel(score float64) Level {
	switch {
	case score >= m.config.CriticalThreshold:
		return LevelCritical
	case score >= m.config.HighThreshold:
		return LevelHigh
	case score >= m.config.MediumThreshold:
		return LevelMedium
	case score >= m.config.LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

// changeLevel transitions to newLevel and recomputes the admission factor.
func (m *Manager) changeLevel(newLevel Level) {
	oldLevel := m.currentLevel
	m.currentLevel = newLevel
	m.lastLevelChange = time.Now()
	m.stabilizeUntil = time.Now().Add(m.config.StabilizeTime)

	// Recompute the admission factor for the new level.
	switch newLevel {
	case LevelNone:
		m.currentFactor = 1.0
	case LevelLow:
		m.currentFactor = m.config.LowReduction
	case LevelMedium:
		m.currentFactor = m.config.MediumReduction
	case LevelHigh:
		m.currentFactor = m.config.HighReduction
	case LevelCritical:
		m.currentFactor = m.config.CriticalReduction
	}

	m.logger.WithFields(logrus.Fields{
		"old_level":     oldLevel.String(),
		"new_level":     newLevel.String(),
		"factor":        m.currentFactor,
		"queue_util":    m.metrics.QueueUtilization,
		"memory_util":   m.metrics.MemoryUtilization,
		"cpu_util":      m.metrics.CPUUtilization,
		"io_util":       m.metrics.IOUtilization,
		"error_rate":    m.metrics.ErrorRate,
	}).Info("Backpressure level changed")

	// Notify listeners.
	if m.onLevelChange != nil {
		m.onLevelChange(oldLevel, newLevel, m.currentFactor)
	}
}

// GetLevel returns the current level.
func (m *Manager) GetLevel() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel
}

// GetFactor returns the current admission factor in [0, 1].
func (m *Manager) GetFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentFactor
}

// IsActive reports whether any backpressure is currently applied.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel != LevelNone
}

// ShouldThrottle reports whether senders should slow down.
func (m *Manager) ShouldThrottle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelMedium
}

// ShouldReject reports whether new sends should be refused outright.
func (m *Manager) ShouldReject() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelCritical
}

// ShouldDegrade reports whether non-essential work should be skipped.
func (m *Manager) ShouldDegrade() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelHigh
}

// GetMetrics returns the most recently recorded metrics.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// SetLevelChangeCallback registers fn to be called on every level transition.
func (m *Manager) SetLevelChangeCallback(fn func(Level, Level, float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// Start runs the periodic reevaluation loop until ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("Starting backpressure manager")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping backpressure manager")
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			// Reevaluate with the last-known metrics if enough time passed.
			if time.Since(m.lastCheck) > m.config.CheckInterval {
				m.evaluateLevel()
			}
			m.mu.Unlock()
		}
	}
}

// ForceLevel overrides the level directly, bypassing cooldown/stabilize.
func (m *Manager) ForceLevel(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(level)
}

// Reset clears the level back to LevelNone.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(LevelNone)
}

// GetStats returns a snapshot suitable for a status endpoint.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"current_level":      m.currentLevel.String(),
		"current_factor":     m.currentFactor,
		"last_level_change":  m.lastLevelChange,
		"last_check":         m.lastCheck,
		"stabilize_until":    m.stabilizeUntil,
		"is_active":          m.currentLevel != LevelNone,
		"should_throttle":    m.currentLevel >= LevelMedium,
		"should_reject":      m.currentLevel >= LevelCritical,
		"should_degrade":     m.currentLevel >= LevelHigh,
		"metrics":            m.metrics,
	}
}