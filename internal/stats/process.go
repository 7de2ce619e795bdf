package stats

import (
	"math"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
)

// ProcessStats 描述当前进程的运行状况。
type ProcessStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	SysMB         float64 `json:"sys_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	GoVersion     string  `json:"go_version"`
}

// Process 采集进程指标；CPU 采样失败时记为 0。
func Process(startedAt time.Time) ProcessStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return ProcessStats{
		CPUPercent:    cpuPercent(),
		HeapAllocMB:   toMB(m.HeapAlloc),
		SysMB:         toMB(m.Sys),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		GoVersion:     runtime.Version(),
	}
}

func cpuPercent() float64 {
	percent, err := cpu.Percent(0, false)
	if err != nil || len(percent) == 0 {
		return 0
	}
	return math.Round(percent[0]*100) / 100
}

func toMB(b uint64) float64 {
	return math.Round(float64(b)/(1024*1024)*100) / 100
}
