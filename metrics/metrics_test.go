package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"dmos"
)

func gather(t *testing.T) map[string]float64 {
	t.Helper()

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	// Flatten single-valued families; labeled series are summed, which is
	// all these assertions need.
	out := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			v := m.GetGauge().GetValue() + m.GetCounter().GetValue()
			out[fam.GetName()] += v
		}
	}
	return out
}

func TestCollectorUninitialized(t *testing.T) {
	got := gather(t)
	if got["dmos_threads"] != 0 {
		t.Errorf("Expected 0 threads without a backend, got %v", got["dmos_threads"])
	}
}

func TestCollectorScrape(t *testing.T) {
	if err := dmos.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer dmos.Deinit()

	release := make(chan struct{})
	th, err := dmos.Create(func(any) { <-release }, nil, 1, 8192, "scraped", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		close(release)
		th.Join()
		th.Destroy()
	}()

	got := gather(t)

	if got["dmos_threads"] < 2 {
		t.Errorf("Expected at least 2 live threads, got %v", got["dmos_threads"])
	}
	if got["dmos_thread_stack_bytes"] < 8192 {
		t.Errorf("Expected stack gauge to include the 8192-byte worker, got %v",
			got["dmos_thread_stack_bytes"])
	}
	if _, ok := got["dmos_uptime_milliseconds"]; !ok {
		t.Error("Uptime gauge missing from scrape")
	}
	if got["dmos_threads_by_state"] != got["dmos_threads"] {
		t.Errorf("State counts (%v) do not sum to thread count (%v)",
			got["dmos_threads_by_state"], got["dmos_threads"])
	}
}
