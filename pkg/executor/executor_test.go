package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attack-pipeline/pkg/artifacts"
	"attack-pipeline/pkg/job"
	"attack-pipeline/pkg/observability"
	"attack-pipeline/pkg/sandbox"
	"attack-pipeline/pkg/webhook"
)

type fakeRunner struct {
	res    sandbox.Result
	err    error
	params map[string]string
	calls  int
}

func (f *fakeRunner) Run(_ context.Context, _ string, params map[string]string) (sandbox.Result, error) {
	f.calls++
	f.params = params
	return f.res, f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []webhook.AttackResult
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, res webhook.AttackResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, res)
	return f.err
}

type fakeArtifacts struct {
	puts []artifacts.Output
	err  error
}

func (f *fakeArtifacts) Put(_ context.Context, out artifacts.Output) (string, error) {
	f.puts = append(f.puts, out)
	if f.err != nil {
		return "", f.err
	}
	return out.Key(), nil
}

func attackJob(attempts int, agentID string) *job.Job {
	payload := `{"scriptId":"default_phishing_script","params":{"target":"a@b.c"},"simulationId":"sim1"`
	if agentID != "" {
		payload += `,"agentId":"` + agentID + `"`
	}
	payload += `}`
	return &job.Job{
		ID:          "job-1",
		Kind:        job.KindAttackScript,
		Payload:     payload,
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

func TestHandleSuccessReportsCompleted(t *testing.T) {
	runner := &fakeRunner{res: sandbox.Result{Stdout: "done", Stderr: "note"}}
	notifier := &fakeNotifier{}
	e := New(runner, notifier)

	require.NoError(t, e.Handle(context.Background(), attackJob(1, "agent1")))

	assert.Equal(t, map[string]string{"target": "a@b.c"}, runner.params)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, webhook.AttackResult{
		SimulationID: "sim1",
		AgentID:      "agent1",
		ScriptID:     "default_phishing_script",
		JobID:        "job-1",
		Status:       "completed",
		Stdout:       "done",
		Stderr:       "note",
	}, notifier.sent[0])
}

func TestHandleReportsServerWhenAgentMissing(t *testing.T) {
	notifier := &fakeNotifier{}
	e := New(&fakeRunner{}, notifier)

	require.NoError(t, e.Handle(context.Background(), attackJob(1, "")))
	assert.Equal(t, job.ServerAgentID, notifier.sent[0].AgentID)
}

func TestHandleFailureReraisesEvenWhenWebhookFails(t *testing.T) {
	runErr := &sandbox.ExecError{Stage: sandbox.StageRun, ScriptID: "default_phishing_script", Stderr: "trace", Err: errors.New("exit status 1")}
	notifier := &fakeNotifier{err: errors.New("connection refused")}
	e := New(&fakeRunner{err: runErr}, notifier)

	err := e.Handle(context.Background(), attackJob(3, "agent1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, runErr)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "failed", notifier.sent[0].Status)
	assert.Equal(t, "trace", notifier.sent[0].Stderr)
	assert.Equal(t, runErr.Error(), notifier.sent[0].Error)
}

func TestHandleRetryableFailureReportsError(t *testing.T) {
	notifier := &fakeNotifier{}
	e := New(&fakeRunner{err: sandbox.ErrTimeout}, notifier)

	err := e.Handle(context.Background(), attackJob(1, "agent1"))
	assert.ErrorIs(t, err, sandbox.ErrTimeout)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "error", notifier.sent[0].Status)
}

func TestHandleLostCompletionIsCountedNotFailed(t *testing.T) {
	before := testutil.ToFloat64(observability.LostNotifications)
	notifier := &fakeNotifier{err: errors.New("503")}
	e := New(&fakeRunner{res: sandbox.Result{Stdout: "ok"}}, notifier)

	require.NoError(t, e.Handle(context.Background(), attackJob(1, "agent1")))
	assert.Equal(t, before+1, testutil.ToFloat64(observability.LostNotifications))
}

func TestHandleArchivesOutput(t *testing.T) {
	store := &fakeArtifacts{}
	notifier := &fakeNotifier{}
	e := New(&fakeRunner{res: sandbox.Result{Stdout: "big output"}}, notifier, WithArtifacts(store))

	require.NoError(t, e.Handle(context.Background(), attackJob(2, "agent1")))
	require.Len(t, store.puts, 1)
	assert.Equal(t, "big output", store.puts[0].Stdout)
	assert.Equal(t, "sim1/job-1/attempt-2.json", notifier.sent[0].ArtifactKey)
}

func TestHandleArchiveFailureStillReports(t *testing.T) {
	store := &fakeArtifacts{err: errors.New("bucket gone")}
	notifier := &fakeNotifier{}
	e := New(&fakeRunner{}, notifier, WithArtifacts(store))

	require.NoError(t, e.Handle(context.Background(), attackJob(1, "agent1")))
	require.Len(t, notifier.sent, 1)
	assert.Empty(t, notifier.sent[0].ArtifactKey)
}

func TestHandleBadPayload(t *testing.T) {
	runner := &fakeRunner{}
	e := New(runner, &fakeNotifier{})
	err := e.Handle(context.Background(), &job.Job{ID: "x", Payload: "{"})
	assert.Error(t, err)
	assert.Zero(t, runner.calls)
}

func TestHandleLargeOutputIsExcerptedInReport(t *testing.T) {
	big := strings.Repeat("x", 9<<20)
	store := &fakeArtifacts{}
	notifier := &fakeNotifier{}
	e := New(&fakeRunner{res: sandbox.Result{Stdout: big, Stderr: big}}, notifier, WithArtifacts(store))

	require.NoError(t, e.Handle(context.Background(), attackJob(1, "agent1")))
	require.Len(t, notifier.sent, 1)
	sent := notifier.sent[0]
	assert.LessOrEqual(t, len(sent.Stdout), webhook.MaxExcerptBytes)
	assert.LessOrEqual(t, len(sent.Stderr), webhook.MaxExcerptBytes)
	assert.True(t, strings.HasPrefix(big, strings.TrimSuffix(sent.Stdout, "\n[truncated]")))

	body, err := json.Marshal(sent)
	require.NoError(t, err)
	assert.Less(t, len(body), 1<<20)

	require.Len(t, store.puts, 1)
	assert.Len(t, store.puts[0].Stdout, len(big))
}

func TestHandleLargeStderrStillReportsTerminalFailure(t *testing.T) {
	runErr := &sandbox.ExecError{Stage: sandbox.StageRun, ScriptID: "default_phishing_script", Stderr: strings.Repeat("e", 9<<20), Err: errors.New("exit status 1")}
	notifier := &fakeNotifier{}
	e := New(&fakeRunner{err: runErr}, notifier)

	require.Error(t, e.Handle(context.Background(), attackJob(3, "agent1")))
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "failed", notifier.sent[0].Status)
	assert.LessOrEqual(t, len(notifier.sent[0].Stderr), webhook.MaxExcerptBytes)
}
