package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type levelCounts struct {
	warns  int64
	errors int64
}

var (
	componentCounts sync.Map // map[string]*levelCounts

	reportSourcesMu sync.RWMutex
	reportSources   = map[string]func() Fields{}
)

func countsFor(component string) *levelCounts {
	v, _ := componentCounts.LoadOrStore(component, &levelCounts{})
	return v.(*levelCounts)
}

func recordWarn(component string) {
	atomic.AddInt64(&countsFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&countsFor(component).errors, 1)
}

// RegisterReportSource adds a named section to the periodic runtime report.
// Registering the same name twice replaces the previous source.
func RegisterReportSource(name string, fn func() Fields) {
	if name == "" || fn == nil {
		return
	}
	reportSourcesMu.Lock()
	reportSources[name] = fn
	reportSourcesMu.Unlock()
}

// StartReport begins periodic logging of relay and host statistics until ctx
// is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(buildReport()).Info("runtime report")
			}
		}
	}()
}

func buildReport() Fields {
	fields := Fields{
		"goroutines": runtime.NumGoroutine(),
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		fields["cpu_percent"] = cpuPercent[0]
	}
	if memStats, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(memStats.Used) / 1024 / 1024
	}
	if diskStats, err := disk.Usage("/"); err == nil {
		fields["disk_mb"] = int64(diskStats.Used) / 1024 / 1024
	}
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		fields["net_bytes_sent"] = int64(netStats[0].BytesSent)
		fields["net_bytes_recv"] = int64(netStats[0].BytesRecv)
	}

	levels := map[string]map[string]int64{}
	componentCounts.Range(func(k, v any) bool {
		lc := v.(*levelCounts)
		levels[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&lc.warns),
			"errors": atomic.LoadInt64(&lc.errors),
		}
		return true
	})
	fields["log_levels"] = levels

	reportSourcesMu.RLock()
	names := make([]string, 0, len(reportSources))
	for name := range reportSources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields[name] = reportSources[name]()
	}
	reportSourcesMu.RUnlock()

	return fields
}
