package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

// MetricFunc returns a snapshot of metric name -> value.
// Names should use [a-zA-Z0-9_:] so they need no escaping.
type MetricFunc func() map[string]float64

// KernelMetrics samples the live kernel: loopers, queued messages, tokens,
// runners and the application.
func KernelMetrics() map[string]float64 {
	k := kern()
	out := map[string]float64{}
	loopers := k.loopers.snapshot()
	out["loopers"] = float64(len(loopers))
	queued, running, proxied := 0, 0, 0
	for _, l := range loopers {
		queued += l.queue.CountMessages()
		if l.State() == StateRunning {
			running++
		}
		if k.domains.Proxy(l.domain) != 0 {
			proxied++
		}
	}
	out["loopers_running"] = float64(running)
	out["loopers_proxied"] = float64(proxied)
	out["messages_queued"] = float64(queued)
	out["lock_domains"] = float64(k.domains.Len())

	ts := k.tokens.Stats()
	out["tokens_live"] = float64(ts.Live)
	out["tokens_pinned"] = float64(ts.Pinned)
	out["token_pins"] = float64(ts.Pins)
	out["tokens_free"] = float64(ts.Free)
	out["pointers_live"] = float64(k.pointers.Stats().Live)
	out["runners"] = float64(k.runners.len())
	if app := k.application(); app != nil && app.State() == StateRunning {
		out["application_running"] = 1
	} else {
		out["application_running"] = 0
	}
	return out
}

// WriteMetrics renders every collector as "name value" lines, sorted by
// collector and metric name.
func WriteMetrics(w io.Writer, collectors map[string]MetricFunc) error {
	names := make([]string, 0, len(collectors))
	for name := range collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := collectors[name]
		if fn == nil {
			continue
		}
		snapshot := fn()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartMetricsServer serves the collectors as text under /metrics on addr.
// It returns the bound address, which differs from addr when the port is 0,
// and a shutdown function.
func StartMetricsServer(addr string, collectors map[string]MetricFunc) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := WriteMetrics(w, collectors); err != nil {
			log.Debugf("metrics: %s", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	bound := ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warningf("metrics server: %s", err)
		}
	}()
	log.Infof("metrics served on %s", bound)
	return bound, srv.Shutdown, nil
}

func sanitizeMetricToken(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '_' && c != ':' {
			b[i] = '_'
		}
	}
	out := string(b)
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	if len(out) > 0 && out[0] >= '0' && out[0] <= '9' {
		return "_" + out
	}
	return out
}
