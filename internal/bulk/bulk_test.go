package bulk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSequentialExecution(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	executed := []string{}
	var progress []int

	op := &Operation{
		Jobs:     1,
		Progress: func(done, total int) { progress = append(progress, done) },
	}

	fn := func(_ context.Context, item string) error {
		executed = append(executed, item)
		return nil
	}

	result := op.Execute(context.Background(), items, fn)

	if result.TotalItems != 5 {
		t.Errorf("Expected 5 total items, got %d", result.TotalItems)
	}
	if result.Succeeded != 5 {
		t.Errorf("Expected 5 successes, got %d", result.Succeeded)
	}
	if result.Failed != 0 {
		t.Errorf("Expected 0 failures, got %d", result.Failed)
	}
	for i, item := range items {
		if executed[i] != item {
			t.Errorf("Order not preserved: expected %s at index %d, got %s", item, i, executed[i])
		}
	}
	if len(progress) != 5 || progress[4] != 5 {
		t.Errorf("unexpected progress: %v", progress)
	}
}

func TestParallelExecution(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	executedMap := make(map[string]bool)
	var mu sync.Mutex
	var running, peak int32

	op := &Operation{Jobs: 4}

	fn := func(_ context.Context, item string) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		mu.Lock()
		executedMap[item] = true
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	result := op.Execute(context.Background(), items, fn)

	if result.Succeeded != 8 {
		t.Errorf("Expected 8 successes, got %d", result.Succeeded)
	}
	for _, item := range items {
		if !executedMap[item] {
			t.Errorf("Item %s was not executed", item)
		}
	}
	if peak > 4 {
		t.Errorf("Expected at most 4 concurrent workers, saw %d", peak)
	}
}

func TestContinueOnError(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	op := &Operation{Jobs: 1, ContinueOnError: true}

	fn := func(_ context.Context, item string) error {
		if item == "c" {
			return errors.New("simulated error")
		}
		return nil
	}

	result := op.Execute(context.Background(), items, fn)

	if result.Succeeded != 4 {
		t.Errorf("Expected 4 successes, got %d", result.Succeeded)
	}
	if result.Failed != 1 {
		t.Errorf("Expected 1 failure, got %d", result.Failed)
	}
	if len(result.Errors) != 1 || result.Errors[0].Item != "c" {
		t.Errorf("Expected one error for item 'c', got %+v", result.Errors)
	}
}

func TestStopOnError(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	executed := []string{}

	op := &Operation{Jobs: 1}

	fn := func(_ context.Context, item string) error {
		executed = append(executed, item)
		if item == "c" {
			return errors.New("simulated error")
		}
		return nil
	}

	result := op.Execute(context.Background(), items, fn)

	if result.Succeeded != 2 {
		t.Errorf("Expected 2 successes, got %d", result.Succeeded)
	}
	if result.Failed != 1 {
		t.Errorf("Expected 1 failure, got %d", result.Failed)
	}
	if len(executed) != 3 {
		t.Errorf("Expected execution to stop after 3 items, got %d", len(executed))
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	op := &Operation{Jobs: 1}
	result := op.Execute(ctx, []string{"a", "b", "c"}, func(_ context.Context, item string) error {
		atomic.AddInt32(&calls, 1)
		if item == "a" {
			cancel()
		}
		return nil
	})

	if calls != 1 {
		t.Errorf("Expected 1 call before cancel, got %d", calls)
	}
	if result.Succeeded != 1 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestEmptyItems(t *testing.T) {
	op := &Operation{Jobs: 4}
	result := op.Execute(context.Background(), nil, func(context.Context, string) error { return nil })

	if result.TotalItems != 0 || result.Succeeded != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestAutoCPUDetection(t *testing.T) {
	op := &Operation{Jobs: 0}
	result := op.Execute(context.Background(), []string{"a", "b", "c", "d"}, func(context.Context, string) error { return nil })

	if result.Succeeded != 4 {
		t.Errorf("Expected 4 successes, got %d", result.Succeeded)
	}
}
