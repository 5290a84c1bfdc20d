package sequencer

import (
	"context"
	"sync"
	"testing"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/model"
)

func testManager(queueBound int) *config.Manager {
	cfg := config.DefaultConfig()
	cfg.Pipeline.QueueBound = queueBound
	cfg.Pipeline.WorkerIdleTTL = 50 * time.Millisecond
	return config.NewStaticManager(cfg)
}

func sample(station, metric string, seq int) model.RawSample {
	return model.RawSample{
		StationID: station,
		Metric:    metric,
		Value:     float64(seq),
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
	}
}

func TestPerStationOrderPreserved(t *testing.T) {
	var mu sync.Mutex
	got := map[string][]float64{}
	done := make(chan struct{})
	total := 0

	handler := func(_ context.Context, s model.RawSample) {
		mu.Lock()
		got[s.StationID] = append(got[s.StationID], s.Value)
		total++
		if total == 200 {
			close(done)
		}
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(testManager(1024), handler, nil, nil)
	q.Start(ctx, make(chan model.RawSample))

	for i := 0; i < 100; i++ {
		q.Enqueue(sample("st-a", "battery_voltage", i))
		q.Enqueue(sample("st-b", "battery_voltage", i))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handlers did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	for station, values := range got {
		for i := 1; i < len(values); i++ {
			if values[i] < values[i-1] {
				t.Fatalf("station %s processed out of order: %v before %v", station, values[i-1], values[i])
			}
		}
	}
}

func TestStationsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	otherRan := make(chan struct{})

	handler := func(_ context.Context, s model.RawSample) {
		switch s.StationID {
		case "st-slow":
			<-release
		case "st-fast":
			close(otherRan)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(testManager(16), handler, nil, nil)
	q.Start(ctx, make(chan model.RawSample))

	q.Enqueue(sample("st-slow", "battery_voltage", 0))
	q.Enqueue(sample("st-fast", "battery_voltage", 0))

	select {
	case <-otherRan:
	case <-time.After(2 * time.Second):
		t.Fatalf("a stalled station must not block another station")
	}
	close(release)
}

func TestOverflowShedsNonCriticalFirst(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var processed []string

	handler := func(_ context.Context, s model.RawSample) {
		<-block
		mu.Lock()
		processed = append(processed, s.Metric)
		mu.Unlock()
	}
	critical := func(metric string) bool { return metric == "smoke_detector" }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(testManager(2), handler, critical, nil)
	q.Start(ctx, make(chan model.RawSample))

	// First sample occupies the worker; the next two fill the queue.
	q.Enqueue(sample("st-a", "humidity", 0))
	for q.ActiveStations() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(sample("st-a", "humidity", 1))
	q.Enqueue(sample("st-a", "smoke_detector", 2))
	// Queue full: the humidity entry must be shed for the new critical one.
	q.Enqueue(sample("st-a", "smoke_detector", 3))

	if q.Overflow.Load() != 1 {
		t.Fatalf("expected one shed sample, got %d", q.Overflow.Load())
	}
	close(block)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(processed)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 3 processed samples, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	criticalSeen := 0
	for _, m := range processed {
		if m == "smoke_detector" {
			criticalSeen++
		}
	}
	if criticalSeen != 2 {
		t.Fatalf("both critical samples must survive shedding, got %d", criticalSeen)
	}
}

func TestAllCriticalQueueDropsNewcomer(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	handler := func(_ context.Context, _ model.RawSample) { <-block }
	critical := func(metric string) bool { return metric == "smoke_detector" }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(testManager(1), handler, critical, nil)
	q.Start(ctx, make(chan model.RawSample))

	q.Enqueue(sample("st-a", "smoke_detector", 0))
	for q.ActiveStations() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(sample("st-a", "smoke_detector", 1))
	q.Enqueue(sample("st-a", "humidity", 2))

	if q.Overflow.Load() != 1 {
		t.Fatalf("non-critical newcomer must be dropped when the queue is all critical")
	}
}

func TestIdleWorkerReaped(t *testing.T) {
	handler := func(_ context.Context, _ model.RawSample) {}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(testManager(16), handler, nil, nil)
	q.Start(ctx, make(chan model.RawSample))

	q.Enqueue(sample("st-a", "humidity", 0))
	deadline := time.After(2 * time.Second)
	for q.ActiveStations() != 0 {
		select {
		case <-deadline:
			t.Fatalf("idle worker was not reaped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWaitAfterCancel(t *testing.T) {
	handler := func(_ context.Context, _ model.RawSample) {}
	ctx, cancel := context.WithCancel(context.Background())
	q := New(testManager(16), handler, nil, nil)
	q.Start(ctx, make(chan model.RawSample))
	q.Enqueue(sample("st-a", "humidity", 0))

	cancel()
	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait must return after context cancellation")
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	handled := make(chan model.RawSample, 1)
	handler := func(_ context.Context, s model.RawSample) {
		handled <- s
	}
	q := New(testManager(16), handler, nil, nil)

	q.Enqueue(sample("st-a", "battery_voltage", 0))
	select {
	case s := <-handled:
		if s.StationID != "st-a" {
			t.Fatalf("unexpected sample %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sample enqueued before Start was never handled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx, make(chan model.RawSample))
	cancel()
	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait must return after the late Start is cancelled")
	}
}
