package metrics

import (
	"runtime"
	"time"
)

// RuntimeCollector exposes Go runtime and process uptime gauges. Values are
// refreshed on every scrape.
type RuntimeCollector struct {
	startTime time.Time

	uptime      *Gauge
	goroutines  *Gauge
	heapAlloc   *Gauge
	heapObjects *Gauge
	gcPause     *Gauge
	numGC       *Gauge
}

// NewRuntimeCollector registers the runtime gauges on r and hooks them into
// the scrape cycle.
func NewRuntimeCollector(r *Registry) *RuntimeCollector {
	rc := &RuntimeCollector{
		startTime:   time.Now(),
		uptime:      r.NewGauge("wsecho_uptime_seconds", "Seconds since the process started"),
		goroutines:  r.NewGauge("go_goroutines", "Number of goroutines that currently exist"),
		heapAlloc:   r.NewGauge("go_memstats_heap_alloc_bytes", "Number of heap bytes allocated and still in use"),
		heapObjects: r.NewGauge("go_memstats_heap_objects", "Number of allocated heap objects"),
		gcPause:     r.NewGauge("go_gc_duration_seconds", "Total GC pause duration in seconds"),
		numGC:       r.NewGauge("go_gc_cycles_total", "Total number of completed GC cycles"),
	}

	goInfo := r.NewGauge("go_info", "Information about the Go environment", "version")
	if vec, err := goInfo.WithLabels(runtime.Version()); err == nil {
		vec.Set(1)
	}

	r.OnScrape(rc.Collect)
	return rc
}

// Collect updates all gauges with current values.
func (rc *RuntimeCollector) Collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	_ = rc.uptime.Set(time.Since(rc.startTime).Seconds())
	_ = rc.goroutines.Set(float64(runtime.NumGoroutine()))
	_ = rc.heapAlloc.Set(float64(mem.HeapAlloc))
	_ = rc.heapObjects.Set(float64(mem.HeapObjects))
	// PauseTotalNs is cumulative; the PauseNs ring wraps after 256 cycles.
	_ = rc.gcPause.Set(float64(mem.PauseTotalNs) / 1e9)
	_ = rc.numGC.Set(float64(mem.NumGC))
}
