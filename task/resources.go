package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrInsufficientResources is returned by the preflight check.
var ErrInsufficientResources = errors.New("insufficient system resources")

// checkResources verifies there is room to start another encode. Metrics
// that cannot be read are logged and skipped.
func (m *Manager) checkResources(ctx context.Context) error {
	p, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not get CPU usage")
	} else if len(p) > 0 && p[0] > (100.0-m.cfg.ThrottleCPU) {
		return fmt.Errorf("%w: not enough idle CPU, usage %.2f%%, idle threshold %.2f%%",
			ErrInsufficientResources, p[0], m.cfg.ThrottleCPU)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not get memory usage")
	} else if vm.Available < uint64(m.cfg.ThrottleFreeMem) {
		return fmt.Errorf("%w: not enough free memory, available %d, required %d",
			ErrInsufficientResources, vm.Available, m.cfg.ThrottleFreeMem)
	}

	d, err := disk.UsageWithContext(ctx, m.workDir)
	if err != nil {
		m.logger.Warn().Err(err).Str("dir", m.workDir).Msg("could not get disk usage")
	} else if d.Free < uint64(m.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("%w: not enough free disk space, available %d, required %d",
			ErrInsufficientResources, d.Free, m.cfg.ThrottleFreeDisk)
	}
	return nil
}
