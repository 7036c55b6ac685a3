// Package metrics 采集本机与进程的运行时指标，随心跳写入调度器实例行。
package metrics

import (
	"context"
	"os"
	"runtime"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Collect 采集运行时指标。
// 参数：runningJobs 本实例在途任务数。
// 返回：采集失败的指标保持零值；Score 取值 [0,100]，越高越空闲。
func Collect(ctx context.Context, runningJobs int) model.RuntimeInfo {
	out := model.RuntimeInfo{
		CPUProcessors: runtime.NumCPU(),
		Goroutines:    runtime.NumGoroutine(),
		RunningJobs:   runningJobs,
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPULoad = avg.Load1
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil && du.Total > 0 {
		out.DiskUsage = du.UsedPercent / 100.0
	}
	var total float64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		total = float64(vm.Total)
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil && total > 0 {
		if pm, err := p.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			out.MemUsage = float64(pm.RSS) / total
		}
	}
	out.Score = score(out)
	return out
}

func score(m model.RuntimeInfo) float64 {
	s := 100.0
	if m.CPUProcessors > 0 && m.CPULoad > 0 {
		s -= m.CPULoad / float64(m.CPUProcessors) * 40
	}
	s -= m.DiskUsage * 20
	s -= m.MemUsage * 30
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return s
}
