package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// samplerFunc produces one 0-100 reading for a resource.
type samplerFunc func(ctx context.Context) (float64, map[string]any, error)

func memorySampler(proc *process.Process) samplerFunc {
	return func(ctx context.Context) (float64, map[string]any, error) {
		mi, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("op=health.memory: %w", err)
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("op=health.memory: %w", err)
		}
		if vm.Total == 0 {
			return 0, nil, fmt.Errorf("op=health.memory: system total is zero")
		}
		pct := float64(mi.RSS) / float64(vm.Total) * 100
		return pct, map[string]any{
			"rss_bytes":   mi.RSS,
			"total_bytes": vm.Total,
		}, nil
	}
}

// cpuSampler averages process CPU over a one-second window. gopsutil
// reports 100 per busy core, so the reading is normalised by core count
// to stay on the 0-100 scale.
func cpuSampler(proc *process.Process) samplerFunc {
	cores := runtime.NumCPU()
	if cores < 1 {
		cores = 1
	}
	return func(ctx context.Context) (float64, map[string]any, error) {
		raw, err := proc.PercentWithContext(ctx, time.Second)
		if err != nil {
			return 0, nil, fmt.Errorf("op=health.cpu: %w", err)
		}
		pct := raw / float64(cores)
		if pct > 100 {
			pct = 100
		}
		return pct, map[string]any{"raw_percent": raw, "cores": cores}, nil
	}
}

func diskSampler(path string) samplerFunc {
	return func(ctx context.Context) (float64, map[string]any, error) {
		u, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, nil, fmt.Errorf("op=health.disk: %s: %w", path, err)
		}
		return u.UsedPercent, map[string]any{
			"path":        path,
			"total_bytes": u.Total,
			"free_bytes":  u.Free,
		}, nil
	}
}

// threadSampler grades the thread count against a conservative ceiling of
// 1000; a leak shows up long before the OS limit does.
func threadSampler(proc *process.Process) samplerFunc {
	const maxThreads = 1000
	return func(ctx context.Context) (float64, map[string]any, error) {
		n, err := proc.NumThreadsWithContext(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("op=health.threads: %w", err)
		}
		return float64(n) / maxThreads * 100, map[string]any{"count": n}, nil
	}
}

func rateSampler(w *rateWindow) samplerFunc {
	return func(_ context.Context) (float64, map[string]any, error) {
		pct, total, failed := w.rate()
		return pct, map[string]any{"window_total": total, "window_failed": failed}, nil
	}
}

// rateWindowTTL is the accounting window for webhook and public-URL
// failure rates.
const rateWindowTTL = 15 * time.Minute

// rateWindowCap bounds the outcome buffer; oldest entries drop first.
const rateWindowCap = 4096

type outcome struct {
	at time.Time
	ok bool
}

// rateWindow tracks success/failure outcomes over a sliding window.
// An empty window reads as a zero failure rate.
type rateWindow struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	outcomes []outcome
}

func newRateWindow(ttl time.Duration) *rateWindow {
	return &rateWindow{ttl: ttl, now: time.Now}
}

func (w *rateWindow) record(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	if len(w.outcomes) >= rateWindowCap {
		w.outcomes = w.outcomes[1:]
	}
	w.outcomes = append(w.outcomes, outcome{at: w.now(), ok: ok})
}

func (w *rateWindow) rate() (pct float64, total, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	for _, o := range w.outcomes {
		total++
		if !o.ok {
			failed++
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	return float64(failed) / float64(total) * 100, total, failed
}

func (w *rateWindow) pruneLocked() {
	cutoff := w.now().Add(-w.ttl)
	i := 0
	for i < len(w.outcomes) && w.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.outcomes = append(w.outcomes[:0], w.outcomes[i:]...)
	}
}

// freeOSMemory is the memory cleanup handler: a forced GC plus returning
// freed pages to the OS.
func freeOSMemory(_ context.Context) (map[string]any, error) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)
	return map[string]any{
		"heap_before_bytes": before.HeapAlloc,
		"heap_after_bytes":  after.HeapAlloc,
	}, nil
}

// sweepTempFiles is the disk cleanup handler. It only touches files this
// service created (print-service- prefix) that have gone stale.
func sweepTempFiles(dir string) CleanupFunc {
	const staleAfter = time.Hour
	return func(_ context.Context) (map[string]any, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("op=health.sweepTempFiles: %s: %w", dir, err)
		}
		cutoff := time.Now().Add(-staleAfter)
		var removed int
		var freed int64
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), "print-service-") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				continue
			}
			removed++
			freed += info.Size()
		}
		return map[string]any{
			"dir":         dir,
			"removed":     removed,
			"freed_bytes": freed,
		}, nil
	}
}
