package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProbeRunnerReadyAllHealthy(t *testing.T) {
	p := NewProbeRunner(time.Minute, time.Second)
	p.Register("redis", func(ctx context.Context) error { return nil })
	p.Register("dynamo", func(ctx context.Context) error { return nil })

	ready, results := p.Ready(context.Background())
	if !ready {
		t.Fatal("expected ready")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Name != "redis" || results[1].Name != "dynamo" {
		t.Fatalf("expected registration order preserved, got %+v", results)
	}
	for _, r := range results {
		if !r.Healthy || r.Error != "" {
			t.Fatalf("expected healthy result, got %+v", r)
		}
	}
}

func TestProbeRunnerReadyReportsFailure(t *testing.T) {
	p := NewProbeRunner(time.Minute, time.Second)
	p.Register("redis", func(ctx context.Context) error { return nil })
	p.Register("dynamo", func(ctx context.Context) error { return errors.New("connection refused") })

	ready, results := p.Ready(context.Background())
	if ready {
		t.Fatal("expected not ready")
	}
	var found bool
	for _, r := range results {
		if r.Name == "dynamo" {
			found = true
			if r.Healthy || r.Error != "connection refused" {
				t.Fatalf("unexpected dynamo result: %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("expected dynamo result")
	}
}

func TestProbeRunnerTimeoutCancelsProbe(t *testing.T) {
	p := NewProbeRunner(time.Minute, 20*time.Millisecond)
	p.Register("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	ready, _ := p.Ready(context.Background())
	if ready {
		t.Fatal("expected not ready when probe times out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("probe was not bounded by timeout, took %s", elapsed)
	}
}

func TestProbeRunnerBackgroundRefresh(t *testing.T) {
	p := NewProbeRunner(10*time.Millisecond, time.Second)
	healthy := make(chan bool, 1)
	healthy <- false
	p.Register("flaky", func(ctx context.Context) error {
		select {
		case ok := <-healthy:
			if !ok {
				return errors.New("down")
			}
			return nil
		default:
			return nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ready, _ := p.Ready(context.Background())
		if ready {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected background loop to refresh the failed probe")
}
