package health

import (
	"runtime"
	"time"

	"github.com/prometheus/procfs"
)

// readRSS 通过 /proc 读取常驻内存；非 Linux 平台回退到 Go 运行时向系统申请的内存
func readRSS() (uint64, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()), nil
}

func (s *Service) systemMetrics() SystemMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rss, err := s.readRSS()
	if err != nil || rss == 0 {
		rss = mem.Sys
	}

	return SystemMetrics{
		RSSBytes:       rss,
		HeapAllocBytes: mem.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		UptimeSeconds:  s.now().Sub(s.startedAt).Round(time.Second).Seconds(),
		GoVersion:      runtime.Version(),
	}
}
