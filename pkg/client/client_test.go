package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/muaviaUsmani/bananas/internal/job"
)

func TestNewClient(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewClient("redis://"+s.Addr(), "default")

	if err != nil {
		t.Fatalf("expected no error creating client, got %v", err)
	}
	if c == nil {
		t.Fatal("expected client to be created, got nil")
	}
	if c.store == nil {
		t.Error("expected store to be initialized")
	}
	defer c.Close()
}

func TestNewClient_ConnectionFailure(t *testing.T) {
	c, err := NewClient("redis://invalid-host:9999", "default")

	if err == nil {
		t.Fatal("expected error for invalid Redis URL, got nil")
	}
	if c != nil {
		t.Error("expected nil client on connection failure")
	}
}

func TestSubmitJob_CreatesJobCorrectly(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewClient("redis://"+s.Addr(), "default")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	payload := map[string]string{"key": "value"}
	jobID, err := c.SubmitJob(ctx, "test_job", payload, job.PriorityNormal, "Test description")

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if jobID == "" {
		t.Error("expected non-empty job ID")
	}

	j, err := c.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("failed to get submitted job: %v", err)
	}
	if j.Name != "test_job" {
		t.Errorf("expected job name 'test_job', got '%s'", j.Name)
	}
	if j.Description != "Test description" {
		t.Errorf("expected description 'Test description', got '%s'", j.Description)
	}
	if j.Priority != job.PriorityNormal {
		t.Errorf("expected priority %s, got %s", job.PriorityNormal, j.Priority)
	}
	if j.Status != job.StatusPending {
		t.Errorf("expected status %s, got %s", job.StatusPending, j.Status)
	}
}

func TestSubmitJob_ReturnsValidUUID(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewClient("redis://"+s.Addr(), "default")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	jobID, err := c.SubmitJob(context.Background(), "test_job", map[string]string{}, job.PriorityHigh)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(jobID) != 36 {
		t.Errorf("expected UUID length 36, got %d", len(jobID))
	}
}

func TestSubmitJob_MarshalsPayloadCorrectly(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewClient("redis://"+s.Addr(), "default")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	type TestPayload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	ctx := context.Background()
	payload := TestPayload{Name: "test", Count: 42}
	jobID, err := c.SubmitJob(ctx, "test_job", payload, job.PriorityLow)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	j, _ := c.GetJob(ctx, jobID)

	var unmarshaled TestPayload
	if err := json.Unmarshal(j.Payload, &unmarshaled); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if unmarshaled.Name != "test" {
		t.Errorf("expected name 'test', got '%s'", unmarshaled.Name)
	}
	if unmarshaled.Count != 42 {
		t.Errorf("expected count 42, got %d", unmarshaled.Count)
	}
}

func TestGetJob_RetrievesSubmittedJob(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewClient("redis://"+s.Addr(), "default")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	jobID, _ := c.SubmitJob(ctx, "test_job", map[string]string{"foo": "bar"}, job.PriorityNormal)

	j, err := c.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if j == nil {
		t.Fatal("expected job to be returned, got nil")
	}
	if j.ID != jobID {
		t.Errorf("expected job ID %s, got %s", jobID, j.ID)
	}
}

func TestGetJob_ReturnsErrorForNonExistent(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewClient("redis://"+s.Addr(), "default")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	_, err = c.GetJob(context.Background(), "non-existent-id")
	if err == nil {
		t.Fatal("expected error for non-existent job, got nil")
	}
}

func TestSubmitJobScheduled(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewClient("redis://"+s.Addr(), "default")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	scheduledTime := time.Now().Add(5 * time.Second)
	payload := map[string]string{"task": "future_task"}

	jobID, err := c.SubmitJobScheduled(ctx, "scheduled_job", payload, job.PriorityNormal, scheduledTime, "Scheduled task")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if jobID == "" {
		t.Error("expected non-empty job ID")
	}

	j, err := c.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("failed to get scheduled job: %v", err)
	}

	if j.ScheduledFor == nil {
		t.Fatal("expected scheduled time to be set")
	}
	if !j.ScheduledFor.Equal(scheduledTime) {
		t.Errorf("expected scheduled time %v, got %v", scheduledTime, j.ScheduledFor)
	}
	if j.Status != job.StatusScheduled {
		t.Errorf("expected status %s, got %s", job.StatusScheduled, j.Status)
	}
}

func TestSubmitJob_ThreadSafety(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := NewClient("redis://"+s.Addr(), "default")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	jobCount := 100
	errs := make(chan error, jobCount)

	for i := 0; i < jobCount; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			payload := map[string]int{"index": index}
			_, err := c.SubmitJob(ctx, "concurrent_job", payload, job.PriorityNormal)
			if err != nil {
				errs <- err
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("error submitting job: %v", err)
	}
}
