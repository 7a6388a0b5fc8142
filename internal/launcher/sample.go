package launcher

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// Sampler reads a child's resident memory and accumulated CPU time.
type Sampler interface {
	Sample(ctx context.Context, pid int) (rssBytes uint64, cpuSeconds float64, err error)
}

// ProcessSampler samples through gopsutil.
type ProcessSampler struct{}

func (ProcessSampler) Sample(ctx context.Context, pid int) (uint64, float64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, 0, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	times, err := p.TimesWithContext(ctx)
	if err != nil {
		return mem.RSS, 0, err
	}
	return mem.RSS, times.User + times.System, nil
}
