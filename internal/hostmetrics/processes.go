package hostmetrics

import (
	"context"
	"math"
	"sort"
	"strings"

	goprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

const defaultMaxProcesses = 25

// Process listing wrapper for testing
var listProcesses = readProcesses

// readProcesses snapshots every process the agent is allowed to inspect.
// Processes that exit or deny access mid-read are skipped.
func readProcesses(ctx context.Context) ([]netmon.ProcessInfo, error) {
	procs, err := goprocess.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]netmon.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := netmon.ProcessInfo{PID: p.Pid, Name: name}

		if user, err := p.UsernameWithContext(ctx); err == nil {
			info.User = user
		}
		if exe, err := p.ExeWithContext(ctx); err == nil {
			info.Exe = exe
		}
		if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
			info.Cmdline = cmdline
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			info.CPUPercent = cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			info.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if created, err := p.CreateTimeWithContext(ctx); err == nil {
			info.CreateTime = created / 1000
		}
		if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
			info.Status = strings.Join(status, ",")
		}
		out = append(out, info)
	}
	return out, nil
}

// topProcesses keeps the n busiest processes, by CPU then resident memory.
func topProcesses(procs []netmon.ProcessInfo, n int) []netmon.ProcessInfo {
	sorted := append([]netmon.ProcessInfo(nil), procs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CPUPercent != sorted[j].CPUPercent {
			return sorted[i].CPUPercent > sorted[j].CPUPercent
		}
		if sorted[i].MemoryMB != sorted[j].MemoryMB {
			return sorted[i].MemoryMB > sorted[j].MemoryMB
		}
		return sorted[i].PID < sorted[j].PID
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	for i := range sorted {
		sorted[i].CPUPercent = roundTo(sorted[i].CPUPercent, 1)
		sorted[i].MemoryMB = roundTo(sorted[i].MemoryMB, 2)
	}
	return sorted
}

func (c *Collector) collectProcesses(ctx context.Context) []netmon.ProcessInfo {
	procs, err := listProcesses(ctx)
	if err != nil && len(procs) == 0 {
		c.logger.Debug().Err(err).Msg("Failed to list processes")
		return nil
	}
	return topProcesses(procs, c.maxProcesses)
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
