package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/job"
	"attack-pipeline/pkg/observability"
	"attack-pipeline/pkg/webhook"
)

type fakeStore struct {
	mu       sync.Mutex
	expired  []job.Job
	listErr  error
	denied   map[string]bool
	requeued []string
	failed   map[string]string
	lists    int
}

func (s *fakeStore) ListExpiredLeases(_ context.Context, _ time.Time, limit int) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	if len(s.expired) > limit {
		return s.expired[:limit], nil
	}
	return s.expired, nil
}

func (s *fakeStore) RequeueExpiredJob(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[id] {
		return database.ErrStatusTransitionDenied
	}
	s.requeued = append(s.requeued, id)
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, id, errStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[id] {
		return database.ErrStatusTransitionDenied
	}
	if s.failed == nil {
		s.failed = map[string]string{}
	}
	s.failed[id] = errStr
	return nil
}

func (s *fakeStore) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

type fakeNotifier struct {
	sent []webhook.AttackResult
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, res webhook.AttackResult) error {
	n.sent = append(n.sent, res)
	return n.err
}

func expiredJob(id string, attempts int) job.Job {
	return job.Job{
		ID:          id,
		Kind:        job.KindAttackScript,
		State:       job.StateActive,
		Payload:     `{"scriptId":"default_phishing_script","params":{},"simulationId":"sim1"}`,
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

func TestRunCycleRequeuesRetryableJobs(t *testing.T) {
	store := &fakeStore{expired: []job.Job{expiredJob("j1", 1), expiredJob("j2", 2)}}
	notifier := &fakeNotifier{}
	before := testutil.ToFloat64(observability.JobsReconciled.WithLabelValues("requeued"))

	stats := New(DefaultConfig(), store, notifier, nil).RunCycle(context.Background())

	assert.Equal(t, CycleStats{Requeued: 2}, stats)
	assert.Equal(t, []string{"j1", "j2"}, store.requeued)
	assert.Empty(t, notifier.sent)
	assert.Equal(t, before+2, testutil.ToFloat64(observability.JobsReconciled.WithLabelValues("requeued")))
}

func TestRunCycleFailsExhaustedJobOnceWithWebhook(t *testing.T) {
	store := &fakeStore{expired: []job.Job{expiredJob("j1", 3)}}
	notifier := &fakeNotifier{}

	stats := New(DefaultConfig(), store, notifier, nil).RunCycle(context.Background())

	assert.Equal(t, CycleStats{Failed: 1}, stats)
	assert.Equal(t, leaseExpiredReason, store.failed["j1"])
	require.Len(t, notifier.sent, 1)
	got := notifier.sent[0]
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, "sim1", got.SimulationID)
	assert.Equal(t, job.ServerAgentID, got.AgentID)
	assert.Equal(t, leaseExpiredReason, got.Error)
}

func TestRunCycleSkipsJobsFinishedConcurrently(t *testing.T) {
	store := &fakeStore{
		expired: []job.Job{expiredJob("j1", 1), expiredJob("j2", 3)},
		denied:  map[string]bool{"j1": true, "j2": true},
	}
	notifier := &fakeNotifier{}

	stats := New(DefaultConfig(), store, notifier, nil).RunCycle(context.Background())

	assert.Equal(t, CycleStats{Skipped: 2}, stats)
	assert.Empty(t, notifier.sent)
}

func TestRunCycleWebhookErrorStillFailsJob(t *testing.T) {
	store := &fakeStore{expired: []job.Job{expiredJob("j1", 3)}}
	notifier := &fakeNotifier{err: errors.New("backend down")}

	stats := New(DefaultConfig(), store, notifier, nil).RunCycle(context.Background())

	assert.Equal(t, 1, stats.Failed)
	assert.Contains(t, store.failed, "j1")
}

func TestRunCycleListError(t *testing.T) {
	store := &fakeStore{listErr: errors.New("db down")}
	stats := New(DefaultConfig(), store, &fakeNotifier{}, nil).RunCycle(context.Background())
	assert.Equal(t, CycleStats{Errors: 1}, stats)
}

func TestRunCycleRespectsBatchSize(t *testing.T) {
	store := &fakeStore{expired: []job.Job{expiredJob("j1", 1), expiredJob("j2", 1), expiredJob("j3", 1)}}
	stats := New(Config{BatchSize: 2}, store, &fakeNotifier{}, nil).RunCycle(context.Background())
	assert.Equal(t, 2, stats.Requeued)
}

func TestRunStartsImmediatelyAndStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	r := New(Config{Schedule: "@every 1h"}, store, &fakeNotifier{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return store.listCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsInvalidSchedule(t *testing.T) {
	r := New(Config{Schedule: "not a schedule"}, &fakeStore{}, nil, nil)
	assert.Error(t, r.Run(context.Background()))
}
