package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestProcess_CollectsAllResults(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 2}, zap.NewNop())

	items := []WorkItem[string]{
		{ID: "Sales", Execute: func(ctx context.Context) (string, error) { return "1204.50", nil }},
		{ID: "Region", Execute: func(ctx context.Context) (string, error) { return "4 values", nil }},
		{ID: "Order Date", Execute: func(ctx context.Context) (string, error) { return "2019-2024", nil }},
	}

	results := Process(context.Background(), pool, items, nil)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	// Completion order varies, key by ID.
	byID := make(map[string]string)
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("item %s failed: %v", r.ID, r.Err)
		}
		byID[r.ID] = r.Result
	}
	if byID["Sales"] != "1204.50" || byID["Region"] != "4 values" || byID["Order Date"] != "2019-2024" {
		t.Errorf("unexpected results: %v", byID)
	}
}

func TestProcess_ContinuesPastFailures(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 2}, zap.NewNop())

	probeErr := errors.New("stat probe failed")
	items := []WorkItem[int]{
		{ID: "ok1", Execute: func(ctx context.Context) (int, error) { return 10, nil }},
		{ID: "bad", Execute: func(ctx context.Context) (int, error) { return 0, probeErr }},
		{ID: "ok2", Execute: func(ctx context.Context) (int, error) { return 20, nil }},
	}

	results := Process(context.Background(), pool, items, nil)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	byID := make(map[string]WorkResult[int])
	for _, r := range results {
		byID[r.ID] = r
	}
	if byID["ok1"].Err != nil || byID["ok2"].Err != nil {
		t.Errorf("expected ok items to succeed: %v, %v", byID["ok1"].Err, byID["ok2"].Err)
	}
	if !errors.Is(byID["bad"].Err, probeErr) {
		t.Errorf("expected probe error for bad item, got: %v", byID["bad"].Err)
	}
}

func TestProcess_EmptyItems(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 2}, zap.NewNop())

	results := Process(context.Background(), pool, []WorkItem[string]{}, nil)
	if results != nil {
		t.Errorf("expected nil results for empty items, got %v", results)
	}
}

func TestProcess_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 1}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	items := []WorkItem[string]{
		{ID: "first", Execute: func(ctx context.Context) (string, error) {
			cancel()
			time.Sleep(10 * time.Millisecond)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
				return "done", nil
			}
		}},
		{ID: "second", Execute: func(ctx context.Context) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
				return "done", nil
			}
		}},
	}

	results := Process(ctx, pool, items, nil)

	cancelled := false
	for _, r := range results {
		if errors.Is(r.Err, context.Canceled) {
			cancelled = true
		}
	}
	if !cancelled {
		t.Error("expected at least one item to observe cancellation")
	}
}

func TestProcess_BoundsConcurrency(t *testing.T) {
	maxConcurrent := 3
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: maxConcurrent}, zap.NewNop())

	var current atomic.Int32
	var peak atomic.Int32

	items := make([]WorkItem[string], 10)
	for i := 0; i < 10; i++ {
		items[i] = WorkItem[string]{
			ID: fmt.Sprintf("probe%d", i),
			Execute: func(ctx context.Context) (string, error) {
				n := current.Add(1)
				defer current.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				return "done", nil
			},
		}
	}

	results := Process(context.Background(), pool, items, nil)

	if len(results) != 10 {
		t.Errorf("expected 10 results, got %d", len(results))
	}
	if observed := peak.Load(); observed > int32(maxConcurrent) {
		t.Errorf("concurrency limit violated: observed %d, limit %d", observed, maxConcurrent)
	} else if observed < 2 {
		t.Errorf("expected some concurrency, observed %d", observed)
	}
}

func TestProcess_ProgressCallback(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: 2}, zap.NewNop())

	items := []WorkItem[string]{
		{ID: "a", Execute: func(ctx context.Context) (string, error) { return "1", nil }},
		{ID: "b", Execute: func(ctx context.Context) (string, error) { return "2", nil }},
		{ID: "c", Execute: func(ctx context.Context) (string, error) { return "3", nil }},
	}

	var mu sync.Mutex
	var updates []int

	Process(context.Background(), pool, items, func(completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, completed)
		if total != 3 {
			t.Errorf("expected total=3, got %d", total)
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 3 {
		t.Fatalf("expected 3 progress updates, got %d", len(updates))
	}
	if updates[len(updates)-1] != 3 {
		t.Errorf("expected final progress of 3, got %v", updates)
	}
}

func TestNewWorkerPool_CorrectsInvalidConcurrency(t *testing.T) {
	for _, bad := range []int{0, -1} {
		pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: bad}, zap.NewNop())
		if pool.config.MaxConcurrent != 8 {
			t.Errorf("MaxConcurrent=%d: expected corrected default 8, got %d", bad, pool.config.MaxConcurrent)
		}
	}
}
