package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// PIDFunc reports the pid currently serving the service, if any.
type PIDFunc func() (int, bool)

// ProcessCollector exports resource usage of the managed process at scrape
// time.
type ProcessCollector struct {
	pid     PIDFunc
	timeout time.Duration

	up         *prometheus.Desc
	cpuPercent *prometheus.Desc
	rssBytes   *prometheus.Desc
	vmsBytes   *prometheus.Desc
	threads    *prometheus.Desc
	fds        *prometheus.Desc
}

func NewProcessCollector(service string, pid PIDFunc) *ProcessCollector {
	labels := prometheus.Labels{"service": service}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "process", name), help, nil, labels)
	}
	return &ProcessCollector{
		pid:        pid,
		timeout:    2 * time.Second,
		up:         desc("up", "Whether the recorded process could be inspected."),
		cpuPercent: desc("cpu_percent", "CPU usage percentage of the managed process."),
		rssBytes:   desc("resident_memory_bytes", "Resident memory of the managed process."),
		vmsBytes:   desc("virtual_memory_bytes", "Virtual memory of the managed process."),
		threads:    desc("threads", "Number of threads of the managed process."),
		fds:        desc("open_fds", "Open file descriptors of the managed process."),
	}
}

func (c *ProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.up, c.cpuPercent, c.rssBytes, c.vmsBytes, c.threads, c.fds} {
		ch <- d
	}
}

func (c *ProcessCollector) Collect(ch chan<- prometheus.Metric) {
	pid, ok := c.pid()
	if !ok {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		slog.Debug("process memory unavailable", "pid", pid, "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.rssBytes, prometheus.GaugeValue, float64(mem.RSS))
	ch <- prometheus.MustNewConstMetric(c.vmsBytes, prometheus.GaugeValue, float64(mem.VMS))

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, cpu)
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n))
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(n))
		}
	}
}
