package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/muaviaUsmani/bananas/internal/job"
)

func setupTestGateway(t *testing.T) (*Gateway, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	gw, err := NewGateway("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	return gw, mr
}

func TestNewGateway_Success(t *testing.T) {
	gw, _ := setupTestGateway(t)
	if gw.keyPrefix != "bananas:" {
		t.Errorf("expected keyPrefix 'bananas:', got %q", gw.keyPrefix)
	}
}

func TestNewGateway_InvalidURL(t *testing.T) {
	if _, err := NewGateway("invalid://url"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestEnqueueAndGetJob(t *testing.T) {
	gw, _ := setupTestGateway(t)
	ctx := context.Background()

	j := job.NewJob("send_email", []byte(`{"to":"a@b.com"}`), job.PriorityHigh)
	if err := gw.Enqueue(ctx, "default", j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := gw.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if got.Name != j.Name {
		t.Errorf("expected name %q, got %q", j.Name, got.Name)
	}
}

func TestDequeueJobId_PriorityOrder(t *testing.T) {
	gw, _ := setupTestGateway(t)
	ctx := context.Background()

	low := job.NewJob("low_job", nil, job.PriorityLow)
	high := job.NewJob("high_job", nil, job.PriorityHigh)

	if err := gw.Enqueue(ctx, "default", low); err != nil {
		t.Fatalf("enqueue low failed: %v", err)
	}
	if err := gw.Enqueue(ctx, "default", high); err != nil {
		t.Fatalf("enqueue high failed: %v", err)
	}

	id, err := gw.DequeueJobId(ctx, "server-1", "default", 2*time.Second, allPriorities, nil)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if id != high.ID {
		t.Errorf("expected high priority job %s to dequeue first, got %s", high.ID, id)
	}
}

func TestDequeueJobId_Timeout(t *testing.T) {
	gw, _ := setupTestGateway(t)
	ctx := context.Background()

	start := time.Now()
	id, err := gw.DequeueJobId(ctx, "server-1", "default", 200*time.Millisecond, allPriorities, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "" {
		t.Errorf("expected no job, got %s", id)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Errorf("expected dequeue to respect the timeout")
	}
}

func TestRequeueProcessingJobs(t *testing.T) {
	gw, mr := setupTestGateway(t)
	ctx := context.Background()

	j := job.NewJob("resize_image", nil, job.PriorityNormal)
	if err := gw.Enqueue(ctx, "default", j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	id, err := gw.DequeueJobId(ctx, "server-1", "default", time.Second, allPriorities, nil)
	if err != nil || id != j.ID {
		t.Fatalf("expected to dequeue %s, got %s err=%v", j.ID, id, err)
	}
	if mr.Exists(gw.processingKey("server-1", "default")) {
		// list key existence in miniredis only appears once non-empty, which it is here
	}

	moved, err := gw.RequeueProcessingJobs(ctx, "server-1", "default", nil)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 job recovered, got %d", moved)
	}

	id2, err := gw.DequeueJobId(ctx, "server-1", "default", time.Second, allPriorities, nil)
	if err != nil || id2 != j.ID {
		t.Fatalf("expected recovered job to be dequeued again, got %s err=%v", id2, err)
	}
}

func TestCompleteAndRemoveProcessingJob(t *testing.T) {
	gw, _ := setupTestGateway(t)
	ctx := context.Background()

	j := job.NewJob("count_items", nil, job.PriorityNormal)
	if err := gw.Enqueue(ctx, "default", j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := gw.DequeueJobId(ctx, "server-1", "default", time.Second, allPriorities, nil); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	if err := gw.Complete(ctx, j.ID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := gw.RemoveProcessingJob(ctx, "server-1", "default", j.ID); err != nil {
		t.Fatalf("remove processing failed: %v", err)
	}

	got, err := gw.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("expected status completed, got %s", got.Status)
	}
}

func TestFail_RetriesThenDeadLetters(t *testing.T) {
	gw, _ := setupTestGateway(t)
	ctx := context.Background()

	j := job.NewJob("flaky_job", nil, job.PriorityNormal)
	j.MaxRetries = 2
	if err := gw.Enqueue(ctx, "default", j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// MaxRetries=2 means MaxRetries+1=3 total attempts before dead-lettering:
	// the first j.MaxRetries failures are retried, only the next one dead-letters.
	for i := 0; i < j.MaxRetries; i++ {
		if err := gw.Fail(ctx, "default", j, "boom"); err != nil {
			t.Fatalf("fail failed: %v", err)
		}
		count, err := gw.DeadLetterQueueLength(ctx, "default")
		if err != nil {
			t.Fatalf("dead letter length failed: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected no dead-letter entry before exhausting retries (attempt %d), got count=%d", i+1, count)
		}
	}

	if err := gw.Fail(ctx, "default", j, "boom"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	count, err := gw.DeadLetterQueueLength(ctx, "default")
	if err != nil {
		t.Fatalf("dead letter length failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected job to be dead-lettered after exhausting retries, got count=%d", count)
	}
}

func TestScheduledJobsPromotion(t *testing.T) {
	gw, _ := setupTestGateway(t)
	ctx := context.Background()

	j := job.NewJob("scheduled_job", nil, job.PriorityNormal)
	if err := gw.Enqueue(ctx, "default", j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	// simulate a failed attempt that schedules a retry 2s ahead (1<<1 seconds),
	// so a query at now+10s finds it due
	j.MaxRetries = 5
	if err := gw.Fail(ctx, "default", j, "transient"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	ids, err := gw.GetScheduledJobs(ctx, "default", time.Now().Add(10*time.Second))
	if err != nil {
		t.Fatalf("get scheduled jobs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != j.ID {
		t.Fatalf("expected scheduled job %s, got %v", j.ID, ids)
	}

	if err := gw.EnqueueScheduledJob(ctx, "default", j.ID); err != nil {
		t.Fatalf("enqueue scheduled job failed: %v", err)
	}

	id, err := gw.DequeueJobId(ctx, "server-1", "default", time.Second, allPriorities, nil)
	if err != nil || id != j.ID {
		t.Fatalf("expected promoted job to be dequeueable, got %s err=%v", id, err)
	}
}

func TestDequeueJobId_RoutingKeyExclusivity(t *testing.T) {
	gw, _ := setupTestGateway(t)
	ctx := context.Background()

	gpuJob := job.NewJob("render_frame", nil, job.PriorityNormal)
	if err := gpuJob.SetRoutingKey("gpu"); err != nil {
		t.Fatalf("set routing key failed: %v", err)
	}
	defaultJob := job.NewJob("send_email", nil, job.PriorityNormal)

	if err := gw.Enqueue(ctx, "default", gpuJob); err != nil {
		t.Fatalf("enqueue gpu job failed: %v", err)
	}
	if err := gw.Enqueue(ctx, "default", defaultJob); err != nil {
		t.Fatalf("enqueue default job failed: %v", err)
	}

	// A server restricted to "default" must never claim the gpu-routed job,
	// even though it was enqueued first and would otherwise be dequeued next.
	id, err := gw.DequeueJobId(ctx, "server-1", "default", 2*time.Second, allPriorities, []string{"default"})
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if id != defaultJob.ID {
		t.Fatalf("expected routing-compatible job %s, got %s", defaultJob.ID, id)
	}

	// The gpu job must have been left on the queue for a server that accepts it.
	id2, err := gw.DequeueJobId(ctx, "server-2", "default", 2*time.Second, allPriorities, []string{"gpu"})
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if id2 != gpuJob.ID {
		t.Fatalf("expected gpu job %s to remain claimable, got %s", gpuJob.ID, id2)
	}
}

func TestAnnounceAndHideServer(t *testing.T) {
	gw, mr := setupTestGateway(t)
	ctx := context.Background()

	if err := gw.AnnounceServer(ctx, "server-1", 4, "default"); err != nil {
		t.Fatalf("announce failed: %v", err)
	}
	if !mr.Exists(gw.serverKey("server-1")) {
		t.Fatal("expected server key to exist after announce")
	}

	if err := gw.HideServer(ctx, "server-1", "default"); err != nil {
		t.Fatalf("hide failed: %v", err)
	}
	if mr.Exists(gw.serverKey("server-1")) {
		t.Fatal("expected server key to be removed after hide")
	}
}
