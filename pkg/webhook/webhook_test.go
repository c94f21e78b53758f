package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attack-pipeline/pkg/circuitbreaker"
)

func result() AttackResult {
	return AttackResult{
		SimulationID: "sim-1",
		AgentID:      "server",
		ScriptID:     "default_phishing_script",
		JobID:        "job-1",
		Status:       "completed",
		Stdout:       "ok",
	}
}

func TestSendPostsSignedJSON(t *testing.T) {
	var (
		gotPath   string
		gotHeader http.Header
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, WithSecret("s3cret"))
	require.NoError(t, c.Send(context.Background(), result()))

	assert.Equal(t, UpdateAttackLogPath, gotPath)
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "job-1", gotHeader.Get(JobIDHeader))
	assert.True(t, VerifySignature("s3cret", gotBody, gotHeader.Get(SignatureHeader)))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "sim-1", decoded["simulationId"])
	assert.Equal(t, "completed", decoded["status"])
	assert.NotContains(t, decoded, "error")
}

func TestSendWithoutSecretOmitsSignature(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(SignatureHeader)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, WithHTTPClient(srv.Client())).Send(context.Background(), result()))
	assert.Empty(t, sig)
}

func TestSendNon2xxReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Send(context.Background(), result())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := New(srv.URL, WithTimeout(50*time.Millisecond)).Send(context.Background(), result())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendOpensBreakerOnServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, WithBreaker(circuitbreaker.New(2, time.Minute)))
	for i := 0; i < 2; i++ {
		assert.Error(t, c.Send(context.Background(), result()))
	}
	err := c.Send(context.Background(), result())
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	assert.Equal(t, 2, calls)
}

func TestSendClientErrorsDoNotOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := circuitbreaker.New(1, time.Minute)
	c := New(srv.URL, WithBreaker(b))
	assert.Error(t, c.Send(context.Background(), result()))
	assert.Equal(t, circuitbreaker.Closed, b.State(c.URL()))
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	body := []byte(`{"status":"completed"}`)
	sig := Sign("k", body)
	assert.True(t, VerifySignature("k", body, sig))
	assert.False(t, VerifySignature("k", []byte(`{"status":"failed"}`), sig))
	assert.False(t, VerifySignature("other", body, sig))
}

func TestSendClientErrorAfterCooldownClosesBreaker(t *testing.T) {
	var status int32 = http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	b := circuitbreaker.New(2, 20*time.Millisecond)
	c := New(srv.URL, WithBreaker(b))
	for i := 0; i < 2; i++ {
		assert.Error(t, c.Send(context.Background(), result()))
	}
	require.Equal(t, circuitbreaker.Open, b.State(c.URL()))

	time.Sleep(30 * time.Millisecond)
	atomic.StoreInt32(&status, http.StatusBadRequest)
	var se *StatusError
	require.ErrorAs(t, c.Send(context.Background(), result()), &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, circuitbreaker.Closed, b.State(c.URL()))

	atomic.StoreInt32(&status, http.StatusOK)
	for i := 0; i < 3; i++ {
		assert.NoError(t, c.Send(context.Background(), result()))
	}
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", Excerpt("short"))

	long := strings.Repeat("é", MaxExcerptBytes)
	got := Excerpt(long)
	assert.LessOrEqual(t, len(got), MaxExcerptBytes)
	assert.True(t, strings.HasSuffix(got, "\n[truncated]"))
	assert.True(t, utf8.ValidString(got))
}
