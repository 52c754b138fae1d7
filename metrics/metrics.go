// Package metrics exposes the thread and process registries as a
// prometheus.Collector. Every scrape takes a fresh enumeration snapshot,
// so no metric state is retained between scrapes.
package metrics

import (
	"strconv"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"dmos"
	"dmos/internal/logger"
)

// enumerationMargin is the extra handle capacity requested beyond the size
// query, absorbing threads created between the count and the fill.
const enumerationMargin = 8

// Collector gathers scheduler-level metrics from the live thread and
// process registries.
type Collector struct {
	log log.Logger

	threadCountDesc   *prometheus.Desc
	threadStateDesc   *prometheus.Desc
	threadRuntimeDesc *prometheus.Desc
	threadCPUDesc     *prometheus.Desc
	stackTotalDesc    *prometheus.Desc
	stackPeakDesc     *prometheus.Desc
	processStateDesc  *prometheus.Desc
	uptimeDesc        *prometheus.Desc
	tickCountDesc     *prometheus.Desc
}

// NewCollector creates a registry collector. The backend must be
// initialized before the first scrape; an uninitialized backend yields an
// empty scrape rather than an error.
func NewCollector() *Collector {
	return &Collector{
		log: logger.New("metrics"),
		threadCountDesc: prometheus.NewDesc(
			"dmos_threads",
			"Number of live threads in the registry.",
			nil, nil,
		),
		threadStateDesc: prometheus.NewDesc(
			"dmos_threads_by_state",
			"Number of live threads per scheduler state.",
			[]string{"state"}, nil,
		),
		threadRuntimeDesc: prometheus.NewDesc(
			"dmos_thread_runtime_milliseconds_total",
			"Accumulated run-time per thread in milliseconds.",
			[]string{"thread", "pid"}, nil,
		),
		threadCPUDesc: prometheus.NewDesc(
			"dmos_thread_cpu_usage_percent",
			"Thread share of the accumulated run-time of all threads.",
			[]string{"thread", "pid"}, nil,
		),
		stackTotalDesc: prometheus.NewDesc(
			"dmos_thread_stack_bytes",
			"Declared stack size per thread in bytes.",
			[]string{"thread", "pid"}, nil,
		),
		stackPeakDesc: prometheus.NewDesc(
			"dmos_thread_stack_peak_bytes",
			"Peak stack usage per thread derived from the high-water mark.",
			[]string{"thread", "pid"}, nil,
		),
		processStateDesc: prometheus.NewDesc(
			"dmos_process_state",
			"Numeric state of a process (0=created 1=running 2=zombie 3=terminated).",
			[]string{"process", "pid"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dmos_uptime_milliseconds",
			"Milliseconds since backend initialization.",
			nil, nil,
		),
		tickCountDesc: prometheus.NewDesc(
			"dmos_tick_count",
			"Scheduler tick count, wrapping at the 32-bit boundary.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.threadCountDesc
	ch <- c.threadStateDesc
	ch <- c.threadRuntimeDesc
	ch <- c.threadCPUDesc
	ch <- c.stackTotalDesc
	ch <- c.stackPeakDesc
	ch <- c.processStateDesc
	ch <- c.uptimeDesc
	ch <- c.tickCountDesc
}

// Collect implements prometheus.Collector. Metrics are rebuilt from a
// fresh snapshot on every scrape; handles that vanish mid-scrape are
// simply skipped.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	total := dmos.Threads(nil)

	threads := make([]*dmos.Thread, total+enumerationMargin)
	n := dmos.Threads(threads)
	threads = threads[:n]

	ch <- prometheus.MustNewConstMetric(
		c.threadCountDesc, prometheus.GaugeValue, float64(n),
	)

	stateCounts := make(map[dmos.ThreadState]int, 5)
	processes := make(map[*dmos.Process]struct{}, 4)

	for _, th := range threads {
		info, err := th.Info()
		if err != nil {
			c.log.Debug().Err(err).Str("thread", th.Name()).
				Msg("skipping thread during scrape")
			continue
		}
		stateCounts[info.State]++

		proc := th.Process()
		if proc != nil {
			processes[proc] = struct{}{}
		}

		name := th.Name()
		pid := strconv.FormatUint(proc.PID(), 10)

		ch <- prometheus.MustNewConstMetric(
			c.threadRuntimeDesc, prometheus.CounterValue,
			float64(info.RuntimeMillis), name, pid,
		)
		ch <- prometheus.MustNewConstMetric(
			c.threadCPUDesc, prometheus.GaugeValue,
			info.CPUUsage, name, pid,
		)
		if info.StackTotal > 0 {
			ch <- prometheus.MustNewConstMetric(
				c.stackTotalDesc, prometheus.GaugeValue,
				float64(info.StackTotal), name, pid,
			)
			ch <- prometheus.MustNewConstMetric(
				c.stackPeakDesc, prometheus.GaugeValue,
				float64(info.StackPeak), name, pid,
			)
		}
	}

	for state, count := range stateCounts {
		ch <- prometheus.MustNewConstMetric(
			c.threadStateDesc, prometheus.GaugeValue,
			float64(count), state.String(),
		)
	}

	for proc := range processes {
		ch <- prometheus.MustNewConstMetric(
			c.processStateDesc, prometheus.GaugeValue,
			float64(proc.State()),
			proc.Name(), strconv.FormatUint(proc.PID(), 10),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, float64(dmos.UptimeMillis()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.tickCountDesc, prometheus.GaugeValue, float64(dmos.TickCount()),
	)
}
