package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/etkit/etk/internal/runtime"
)

var benchWhat = runtime.FourCC("bnch")

type benchOptions struct {
	loopers   int
	producers int
	messages  int
	proxy     bool
	sync      bool
	metrics   string
	timeout   time.Duration
}

func benchCmd(args []string) error {
	var o benchOptions
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	fs.Usage = usageFor("bench")
	fs.IntVar(&o.loopers, "loopers", 4, "number of loopers")
	fs.IntVar(&o.producers, "producers", 4, "number of posting goroutines")
	fs.IntVar(&o.messages, "messages", 10000, "messages per producer")
	fs.BoolVar(&o.proxy, "proxy", false, "serve every looper from the first one")
	fs.BoolVar(&o.sync, "sync", false, "send synchronously and wait for each reply")
	fs.StringVar(&o.metrics, "metrics", "", "serve kernel metrics on this address while running")
	fs.DurationVar(&o.timeout, "timeout", time.Minute, "give up after this long")
	_ = fs.Parse(args)
	if o.loopers < 1 || o.producers < 1 || o.messages < 1 {
		return fmt.Errorf("loopers, producers and messages must be positive")
	}
	return runBench(o)
}

func runBench(o benchOptions) error {
	app, err := runtime.NewApplication("application/x-etk-bench", nil)
	if err != nil {
		return err
	}
	appDone := make(chan error, 1)
	go func() { appDone <- app.Run() }()
	defer func() {
		app.QuitAllLoopers(true)
		app.Quit()
		<-appDone
	}()

	if o.metrics != "" {
		addr, stop, err := runtime.StartMetricsServer(o.metrics, map[string]runtime.MetricFunc{"etk": runtime.KernelMetrics})
		if err != nil {
			return err
		}
		defer stop(context.Background())
		fmt.Printf("metrics on http://%s/metrics\n", addr)
	}

	total := int64(o.producers * o.messages)
	var handled atomic.Int64
	finished := make(chan struct{})
	count := runtime.BehaviorFunc(func(h *runtime.Handler, msg *runtime.Message) {
		if o.sync {
			_ = msg.SendReplyCommand(runtime.Reply)
		}
		if handled.Add(1) == total {
			close(finished)
		}
	})

	loopers := make([]*runtime.Looper, o.loopers)
	for i := range loopers {
		loopers[i] = runtime.NewLooper(fmt.Sprintf("bench-%d", i), count)
	}
	if _, err := loopers[0].Run(); err != nil {
		return err
	}
	for _, l := range loopers[1:] {
		if o.proxy {
			if err := proxyTo(l, loopers[0]); err != nil {
				return err
			}
			continue
		}
		if _, err := l.Run(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < o.producers; p++ {
		g.Go(func() error {
			targets := make([]*runtime.Messenger, len(loopers))
			for i, l := range loopers {
				m, err := runtime.NewMessenger(nil, l)
				if err != nil {
					return err
				}
				defer m.Release()
				targets[i] = m
			}
			for i := 0; i < o.messages; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m := targets[(p+i)%len(targets)]
				msg := runtime.NewMessage(benchWhat)
				if o.sync {
					if _, err := m.SendMessageAndWait(msg, o.timeout, o.timeout); err != nil {
						return err
					}
					continue
				}
				if err := m.SendMessage(msg, nil, o.timeout); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("producers: %w", err)
	}
	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("only %d of %d messages handled: %w", handled.Load(), total, ctx.Err())
	}
	elapsed := time.Since(start)

	mode := "async"
	if o.sync {
		mode = "sync"
	}
	fmt.Printf("%d messages (%s, %d loopers, proxy=%v) in %s: %.0f msg/s\n",
		total, mode, o.loopers, o.proxy, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	return runtime.WriteMetrics(os.Stdout, map[string]runtime.MetricFunc{"etk": runtime.KernelMetrics})
}

func proxyTo(client, root *runtime.Looper) error {
	if !client.Lock() {
		return fmt.Errorf("lock %s", client.Name())
	}
	defer client.Unlock()
	if !root.Lock() {
		return fmt.Errorf("lock %s", root.Name())
	}
	defer root.Unlock()
	return client.ProxyBy(root)
}
