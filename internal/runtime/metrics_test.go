package runtime

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestKernelMetricsCountsLoopers(t *testing.T) {
	setup(t)
	root := startLooper(t, "root", nil)
	client := NewLooper("client", nil)
	mustLock(t, client)
	mustLock(t, root)
	_ = client.ProxyBy(root)
	root.Unlock()
	client.Unlock()
	_ = NewLooper("idle", nil).PostCommand(1)

	m := KernelMetrics()
	if m["loopers"] != 3 || m["loopers_running"] != 1 || m["loopers_proxied"] != 1 {
		t.Fatalf("looper metrics %v", m)
	}
	if m["messages_queued"] != 1 {
		t.Fatalf("queued = %v", m["messages_queued"])
	}
	if m["tokens_live"] < 3 || m["application_running"] != 0 {
		t.Fatalf("token metrics %v", m)
	}
}

func TestStartMetricsServerServesKernel(t *testing.T) {
	setup(t)
	startLooper(t, "served", nil)
	addr, stop, err := StartMetricsServer("127.0.0.1:0", map[string]MetricFunc{"etk": KernelMetrics})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = stop(context.Background()) }()

	cli := &http.Client{Timeout: 2 * time.Second}
	resp, err := cli.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %v", resp.Status)
	}
	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	body := strings.Join(lines, "\n")
	if !strings.Contains(body, "etk_loopers_running 1") {
		t.Fatalf("missing looper metric:\n%s", body)
	}
}

func TestSanitizeMetricToken(t *testing.T) {
	cases := map[string]string{
		"etk_loopers":       "etk_loopers",
		" queue depth (a)!": "_queue_depth_a_",
		"9lives":            "_9lives",
	}
	for in, want := range cases {
		if got := sanitizeMetricToken(in); got != want {
			t.Errorf("sanitizeMetricToken(%q) = %q, want %q", in, got, want)
		}
	}
}
