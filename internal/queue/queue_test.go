package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend is an in-memory Backend for tests.
type fakeBackend struct {
	mu   sync.Mutex
	seq  int
	jobs []*fakeJob
}

type fakeJob struct {
	id          string
	topic       string
	payload     string
	dedupeKey   string
	token       string
	runAt       time.Time
	status      string
	attempt     int
	maxAttempts int
	lastErr     string
}

func newFakeBackend() *fakeBackend { return &fakeBackend{} }

var _ Backend = (*fakeBackend)(nil)

func (f *fakeBackend) Enqueue(_ context.Context, topic, payload string, runAt time.Time, dedupeKey string, maxAttempts int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range f.jobs {
			if j.topic == topic && j.dedupeKey == dedupeKey && (j.status == "queued" || j.status == "leased") {
				return j.id, nil
			}
		}
	}
	f.seq++
	j := &fakeJob{
		id:          "fake_" + strconv.Itoa(f.seq),
		topic:       topic,
		payload:     payload,
		dedupeKey:   dedupeKey,
		runAt:       runAt,
		status:      "queued",
		maxAttempts: maxAttempts,
	}
	f.jobs = append(f.jobs, j)
	return j.id, nil
}

func (f *fakeBackend) Lease(_ context.Context, topic string, limit int, leaseFor time.Duration) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var leased []Job
	for _, j := range f.jobs {
		if len(leased) == limit {
			break
		}
		if j.topic != topic || j.status != "queued" || j.runAt.After(now) {
			continue
		}
		f.seq++
		j.status = "leased"
		j.token = "token_" + strconv.Itoa(f.seq)
		leased = append(leased, Job{
			ID:          j.id,
			Topic:       j.topic,
			Payload:     j.payload,
			Attempt:     j.attempt,
			MaxAttempts: j.maxAttempts,
			LeaseToken:  j.token,
		})
	}
	return leased, nil
}

func (f *fakeBackend) find(job Job) (*fakeJob, error) {
	for _, j := range f.jobs {
		if j.id == job.ID {
			if j.status != "leased" || j.token != job.LeaseToken {
				return nil, ErrLeaseLost
			}
			return j, nil
		}
	}
	return nil, fmt.Errorf("job %s not found", job.ID)
}

func (f *fakeBackend) Complete(_ context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.find(job)
	if err != nil {
		return err
	}
	j.status = "done"
	return nil
}

func (f *fakeBackend) Fail(_ context.Context, job Job, errMsg string, nextRunAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.find(job)
	if err != nil {
		return false, err
	}
	j.attempt++
	j.lastErr = errMsg
	if j.attempt >= j.maxAttempts {
		j.status = "failed"
		return true, nil
	}
	j.status = "queued"
	j.runAt = nextRunAt
	return false, nil
}

func (f *fakeBackend) FailPermanently(_ context.Context, job Job, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.find(job)
	if err != nil {
		return err
	}
	j.attempt++
	j.lastErr = errMsg
	j.status = "failed"
	return nil
}

func (f *fakeBackend) CancelPending(_ context.Context, topic string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.topic == topic && j.status == "queued" {
			j.status = "canceled"
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) Stats(_ context.Context, topic string) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s Stats
	for _, j := range f.jobs {
		if j.topic != topic {
			continue
		}
		switch j.status {
		case "queued":
			s.Pending++
		case "leased":
			s.Leased++
		case "done":
			s.Done++
		case "failed":
			s.Failed++
		}
	}
	return s, nil
}

func (f *fakeBackend) jobState(id string) (status string, attempt int, lastErr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.id == id {
			return j.status, j.attempt, j.lastErr
		}
	}
	return "", 0, ""
}

func TestQueueBindRunsFactoryOnce(t *testing.T) {
	var calls atomic.Int32
	backend := newFakeBackend()
	q := New("test-topic", func(ctx context.Context) (Backend, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return backend, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(context.Background(), "{}", EnqueueOptions{}); err != nil {
				t.Errorf("Enqueue failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("factory ran %d times for concurrent first calls, want 1", got)
	}
}

func TestQueueBindRetriesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	backend := newFakeBackend()
	q := New("test-topic", func(ctx context.Context) (Backend, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("backend unavailable")
		}
		return backend, nil
	})

	if _, err := q.Enqueue(context.Background(), "{}", EnqueueOptions{}); err == nil {
		t.Fatal("expected first enqueue to fail while the backend is down")
	}
	if _, err := q.Enqueue(context.Background(), "{}", EnqueueOptions{}); err != nil {
		t.Fatalf("second enqueue after recovery failed: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("factory ran %d times, want 2 (one failure, one success)", got)
	}
}

func TestQueueBindRespectsCallerContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	q := New("test-topic", func(ctx context.Context) (Backend, error) {
		<-block
		return newFakeBackend(), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Enqueue(ctx, "{}", EnqueueOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("enqueue during stuck init = %v, want deadline exceeded", err)
	}
}

func TestEnqueueRejectsNegativeDelay(t *testing.T) {
	q := New("test-topic", func(ctx context.Context) (Backend, error) {
		return newFakeBackend(), nil
	})
	if _, err := q.Enqueue(context.Background(), "{}", EnqueueOptions{Delay: -time.Second}); err == nil {
		t.Error("negative delay accepted")
	}
}

func TestEnqueueAppliesDelayAndKey(t *testing.T) {
	backend := newFakeBackend()
	q := New("test-topic", func(ctx context.Context) (Backend, error) {
		return backend, nil
	})

	h1, err := q.Enqueue(context.Background(), "{}", EnqueueOptions{Delay: time.Hour, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	h2, err := q.Enqueue(context.Background(), "{}", EnqueueOptions{IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if h1.ID != h2.ID {
		t.Errorf("same idempotency key produced two jobs: %s vs %s", h1.ID, h2.ID)
	}

	// The delayed job is not visible to an immediate lease.
	jobs, err := q.lease(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("delayed job leased immediately: %+v", jobs)
	}
}

func TestNonRetryableClassification(t *testing.T) {
	base := errors.New("quota exceeded")
	wrapped := NonRetryable(base)
	if !IsNonRetryable(wrapped) {
		t.Error("NonRetryable wrap not detected")
	}
	if !errors.Is(wrapped, base) {
		t.Error("NonRetryable hides the underlying error")
	}
	if IsNonRetryable(base) {
		t.Error("plain error misclassified as non-retryable")
	}
	if IsNonRetryable(fmt.Errorf("outer: %w", base)) {
		t.Error("wrapped plain error misclassified as non-retryable")
	}
	if !IsNonRetryable(fmt.Errorf("outer: %w", wrapped)) {
		t.Error("NonRetryable lost through further wrapping")
	}
	if NonRetryable(nil) != nil {
		t.Error("NonRetryable(nil) should be nil")
	}
}
