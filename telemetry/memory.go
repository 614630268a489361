package telemetry

import (
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// MemoryWatcher answers whether the process should shed load. The
// sampling function is injectable so tests can simulate pressure
// without touching the host.
type MemoryWatcher struct {
	highWaterPercent float64
	sample           func() (float64, error)
	logger           *zap.SugaredLogger
}

// NewMemoryWatcher builds a watcher against the system memory
// utilization reported by gopsutil.
func NewMemoryWatcher(highWaterPercent float64, logger *zap.SugaredLogger) *MemoryWatcher {
	return &MemoryWatcher{
		highWaterPercent: highWaterPercent,
		sample:           sampleSystemMemory,
		logger:           logger,
	}
}

func sampleSystemMemory() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// SetSampler replaces the sampling function. Test hook.
func (w *MemoryWatcher) SetSampler(sample func() (float64, error)) {
	w.sample = sample
}

// UnderPressure reports whether memory utilization exceeds the
// high-water mark. A sampling failure is logged and treated as no
// pressure so a broken probe cannot wedge aggregation into permanent
// shedding.
func (w *MemoryWatcher) UnderPressure() bool {
	if w.highWaterPercent <= 0 {
		return false
	}
	used, err := w.sample()
	if err != nil {
		w.logger.Warnw("Memory sampling failed", "error", err)
		return false
	}
	return used > w.highWaterPercent
}
