package stats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostFacts is what an agent reports about its machine when probed.
type HostFacts struct {
	Hostname    string  `json:"hostname"`
	OS          string  `json:"os"`
	Platform    string  `json:"platform"`
	Uptime      uint64  `json:"uptime"`
	CPUUsage    float64 `json:"cpu_usage"`
	RAMUsage    float64 `json:"ram_usage"`
	CollectedAt int64   `json:"collected_at"`
}

type Collector struct{}

func NewCollector() *Collector {
	return &Collector{}
}

// Collect never fails; fields gopsutil cannot read stay zero. CPU usage is measured since the
// previous call so probes are answered without sampling delay.
func (c *Collector) Collect(ctx context.Context) HostFacts {
	facts := HostFacts{
		CollectedAt: time.Now().Unix(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		facts.Hostname = info.Hostname
		facts.OS = info.OS
		facts.Platform = info.Platform
		facts.Uptime = info.Uptime
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		facts.CPUUsage = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		facts.RAMUsage = vm.UsedPercent
	}

	return facts
}
