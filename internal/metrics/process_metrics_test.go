package metrics

import (
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProcessCollectorReportsLiveProcess(t *testing.T) {
	c := NewProcessCollector("self", func() (int, bool) { return os.Getpid(), true })
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	const want = `
# HELP portvisor_process_up Whether the recorded process could be inspected.
# TYPE portvisor_process_up gauge
portvisor_process_up{service="self"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "portvisor_process_up"); err != nil {
		t.Fatal(err)
	}
	n, err := testutil.GatherAndCount(reg, "portvisor_process_resident_memory_bytes")
	if err != nil || n != 1 {
		t.Fatalf("rss samples = %d, err %v", n, err)
	}
}

func TestProcessCollectorWithoutPID(t *testing.T) {
	c := NewProcessCollector("idle", func() (int, bool) { return 0, false })
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	const want = `
# HELP portvisor_process_up Whether the recorded process could be inspected.
# TYPE portvisor_process_up gauge
portvisor_process_up{service="idle"} 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "portvisor_process_up"); err != nil {
		t.Fatal(err)
	}
	if n, _ := testutil.GatherAndCount(reg, "portvisor_process_resident_memory_bytes"); n != 0 {
		t.Fatalf("no resource samples expected, got %d", n)
	}
}

func TestProcessCollectorDeadPID(t *testing.T) {
	c := NewProcessCollector("gone", func() (int, bool) { return 1 << 22, true })
	if got := testutil.CollectAndCount(c, "portvisor_process_up"); got != 1 {
		t.Fatalf("expected a single up sample, got %d", got)
	}
}
