package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/domain/queue"
)

func TestShardForIsDeterministic(t *testing.T) {
	t.Parallel()

	a := queue.ShardFor(-1001234567890, 8)
	b := queue.ShardFor(-1001234567890, 8)
	if a != b {
		t.Fatalf("ShardFor not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= 8 {
		t.Fatalf("ShardFor out of range: %d", a)
	}
}

func TestShardForHalvingProperty(t *testing.T) {
	t.Parallel()

	for _, chatID := range []int64{1, 2, 3, 42, -1001234567890, 999999999} {
		for _, n := range []int{1, 2, 4, 8, 16} {
			s1 := queue.ShardFor(chatID, n)
			s2 := queue.ShardFor(chatID, 2*n)
			if s2 != s1 && s2 != s1+n {
				t.Fatalf("halving property violated: chat=%d n=%d s1=%d s2=%d", chatID, n, s1, s2)
			}
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  queue.Config
		ok   bool
	}{
		{"valid", queue.Config{PartitionCount: 4, Concurrency: 8}, true},
		{"zero partitions", queue.Config{PartitionCount: 0, Concurrency: 8}, false},
		{"too many partitions", queue.Config{PartitionCount: 100, Concurrency: 200}, false},
		{"concurrency below partitions", queue.Config{PartitionCount: 4, Concurrency: 2}, false},
		{"maxPerShard too low", queue.Config{PartitionCount: 4, Concurrency: 8, MaxConcurrencyPerShard: 1}, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() err=%v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestPublishIsIdempotentWhileNonTerminal(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var handled int32

	mgr, err := queue.NewShardManager(queue.Config{PartitionCount: 2, Concurrency: 2}, func(ctx context.Context, job model.MessageJob) error {
		atomic.AddInt32(&handled, 1)
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("NewShardManager: %v", err)
	}
	mgr.Start()
	defer mgr.Shutdown(time.Second)

	job := model.MessageJob{ChatID: -1001234567890, MessageID: "test-msg-001"}
	id1, err := mgr.Publish(job)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id1 != "-1001234567890:test-msg-001" {
		t.Fatalf("jobID = %q, want -1001234567890:test-msg-001", id1)
	}

	id2, err := mgr.Publish(job)
	if err != nil {
		t.Fatalf("Publish (duplicate): %v", err)
	}
	if id2 != id1 {
		t.Fatalf("duplicate publish jobID = %q, want %q", id2, id1)
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("handler invoked %d times, want exactly 1", handled)
	}
}

func TestShardManagerProcessesJobs(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string

	mgr, err := queue.NewShardManager(queue.Config{PartitionCount: 3, Concurrency: 6}, func(ctx context.Context, job model.MessageJob) error {
		mu.Lock()
		seen = append(seen, job.JobID())
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("NewShardManager: %v", err)
	}
	mgr.Start()
	defer mgr.Shutdown(time.Second)

	for i := 0; i < 20; i++ {
		_, err := mgr.Publish(model.MessageJob{ChatID: int64(i), MessageID: "m"})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only processed %d/20 jobs in time", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBackpressureRejectsOverHighWatermark(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	mgr, err := queue.NewShardManager(queue.Config{PartitionCount: 1, Concurrency: 1, HighWatermark: 1}, func(ctx context.Context, job model.MessageJob) error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("NewShardManager: %v", err)
	}
	mgr.Start()
	defer mgr.Shutdown(time.Second)

	// First publish starts processing immediately (drained by the worker
	// before the second arrives), so push several quickly to exceed the
	// watermark while the first is in flight.
	for i := 0; i < 5; i++ {
		_, _ = mgr.Publish(model.MessageJob{ChatID: 1, MessageID: "m" + string(rune('a'+i))})
	}

	_, err = mgr.Publish(model.MessageJob{ChatID: 1, MessageID: "overflow"})
	if err == nil {
		t.Fatalf("expected backpressure error once ready queue exceeds highWatermark")
	}
}

func TestFairnessScoreWithinUnitRangeForSpreadSample(t *testing.T) {
	t.Parallel()

	mgr, err := queue.NewShardManager(queue.Config{PartitionCount: 4, Concurrency: 4}, func(context.Context, model.MessageJob) error { return nil })
	if err != nil {
		t.Fatalf("NewShardManager: %v", err)
	}

	var ids []int64
	for i := int64(0); i < 4; i++ {
		for j := 0; j < 25; j++ {
			ids = append(ids, i*1000+int64(j))
		}
	}

	score := mgr.FairnessScore(ids)
	if score < 0 || score > 1 {
		t.Fatalf("fairness score out of range: %f", score)
	}
}
