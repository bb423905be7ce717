package scheduler

import (
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
)

// CPU utilization bands for throttling. Above the threshold the capture
// interval widens by 1.5x, above the high band by 2x, and it recovers as
// soon as pressure drops.
const (
	throttleThreshold = 80.0
	throttleHighBand  = 90.0
)

// LoadSampler reports system CPU utilization as a percentage.
type LoadSampler interface {
	CPUPercent() (float64, error)
}

// SystemSampler reads utilization from the host via gopsutil. The first
// call primes the counters and reports zero.
type SystemSampler struct{}

func (SystemSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

// ResourceMonitor caches the latest sample and converts it into an
// interval multiplier.
type ResourceMonitor struct {
	mu      sync.Mutex
	sampler LoadSampler
	last    float64
}

// NewResourceMonitor creates a monitor. A nil sampler defaults to the
// system sampler.
func NewResourceMonitor(sampler LoadSampler) *ResourceMonitor {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	return &ResourceMonitor{sampler: sampler}
}

// ThrottleFactor samples CPU utilization and returns the interval
// multiplier: 1.0 under the threshold, 1.5 in the 80-90 band, 2.0 above.
// Sampling errors leave the factor at the last known value.
func (m *ResourceMonitor) ThrottleFactor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pct, err := m.sampler.CPUPercent()
	if err == nil {
		m.last = pct
	}

	switch {
	case m.last <= throttleThreshold:
		return 1.0
	case m.last <= throttleHighBand:
		return 1.5
	default:
		return 2.0
	}
}

// LastCPUPercent returns the most recent sample, for status reporting.
func (m *ResourceMonitor) LastCPUPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
