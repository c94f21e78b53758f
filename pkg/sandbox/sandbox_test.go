package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

// fakeDocker answers docker subcommands with scripted results.
type fakeDocker struct {
	mu    sync.Mutex
	calls []call

	build func(ctx context.Context) ([]byte, []byte, error)
	run   func(ctx context.Context) ([]byte, []byte, error)
}

func (f *fakeDocker) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()

	switch args[0] {
	case "build":
		if f.build != nil {
			return f.build(ctx)
		}
	case "run":
		if f.run != nil {
			return f.run(ctx)
		}
	}
	return nil, nil, nil
}

func (f *fakeDocker) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.args[0])
	}
	return out
}

func (f *fakeDocker) find(sub string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.args[0] == sub {
			return c, true
		}
	}
	return call{}, false
}

func scriptsDir(t *testing.T, ids ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, id := range ids {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, id), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, id, "Dockerfile"), []byte("FROM alpine\n"), 0o644))
	}
	return dir
}

func newRunner(t *testing.T, cfg Config, docker *fakeDocker) *Runner {
	t.Helper()
	r := New(cfg, WithCommandRunner(docker))
	r.runID = func() string { return "attack-run-test" }
	return r
}

func TestValidateScriptID(t *testing.T) {
	for _, id := range []string{"default_phishing_script", "abc-123", "A"} {
		assert.NoError(t, ValidateScriptID(id), id)
	}
	for _, id := range []string{"", "../etc", "a/b", `a\b`, "..", "a b", "a.b", "x;rm"} {
		assert.ErrorIs(t, ValidateScriptID(id), ErrInvalidScriptID, id)
	}
}

func TestRunRejectsBadIDsWithoutLaunchingAnything(t *testing.T) {
	docker := &fakeDocker{}
	r := newRunner(t, Config{ScriptsDir: scriptsDir(t, "ok")}, docker)

	_, err := r.Run(context.Background(), "../ok", nil)
	assert.ErrorIs(t, err, ErrInvalidScriptID)

	_, err = r.Run(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownScript)

	assert.Empty(t, docker.calls)
}

func TestRunBuildsRunsAndCleansUp(t *testing.T) {
	dir := scriptsDir(t, "phish")
	docker := &fakeDocker{
		run: func(context.Context) ([]byte, []byte, error) {
			return []byte("sent 3 emails\n"), []byte("warn\n"), nil
		},
	}
	r := newRunner(t, Config{ScriptsDir: dir, CPUs: "0.5", Memory: "256m", PidsLimit: 64}, docker)

	res, err := r.Run(context.Background(), "phish", map[string]string{"target": "a@b.c", "smtp-host": "mx"})
	require.NoError(t, err)
	assert.Equal(t, "sent 3 emails\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)

	assert.Equal(t, []string{"build", "run", "rm", "rmi"}, docker.subcommands())

	build, _ := docker.find("build")
	assert.Equal(t, "docker", build.name)
	assert.Equal(t, []string{"build", "-t", "attack-script-phish:attack-run-test", filepath.Join(dir, "phish")}, build.args)

	run, _ := docker.find("run")
	assert.Equal(t, []string{
		"run", "--rm",
		"--name", "attack-run-test",
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", "65534:65534",
		"--pids-limit", "64",
		"--cpus", "0.5",
		"--memory", "256m",
		"-e", "SMTP_HOST=mx",
		"-e", "TARGET=a@b.c",
		"attack-script-phish:attack-run-test",
	}, run.args)

	rmi, _ := docker.find("rmi")
	assert.Equal(t, []string{"rmi", "-f", "attack-script-phish:attack-run-test"}, rmi.args)
}

func TestRunNonZeroExitReturnsExecError(t *testing.T) {
	docker := &fakeDocker{
		run: func(context.Context) ([]byte, []byte, error) {
			return nil, []byte("Traceback\nValueError: bad target\n"), errors.New("exit status 1")
		},
	}
	r := newRunner(t, Config{ScriptsDir: scriptsDir(t, "phish")}, docker)

	_, err := r.Run(context.Background(), "phish", nil)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, StageRun, execErr.Stage)
	assert.Equal(t, "phish", execErr.ScriptID)
	assert.Contains(t, err.Error(), "ValueError: bad target")
	assert.Equal(t, []string{"build", "run", "rm", "rmi"}, docker.subcommands())
}

func TestRunBuildFailureSkipsRunButCleansUp(t *testing.T) {
	docker := &fakeDocker{
		build: func(context.Context) ([]byte, []byte, error) {
			return nil, []byte("no such base image"), errors.New("exit status 1")
		},
	}
	r := newRunner(t, Config{ScriptsDir: scriptsDir(t, "phish")}, docker)

	_, err := r.Run(context.Background(), "phish", nil)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, StageBuild, execErr.Stage)
	assert.Equal(t, []string{"build", "rm", "rmi"}, docker.subcommands())
}

func TestRunTimeoutKillsAndCleansUp(t *testing.T) {
	docker := &fakeDocker{
		run: func(ctx context.Context) ([]byte, []byte, error) {
			<-ctx.Done()
			return nil, nil, errors.New("signal: killed")
		},
	}
	r := newRunner(t, Config{ScriptsDir: scriptsDir(t, "slow"), Timeout: 50 * time.Millisecond}, docker)

	start := time.Now()
	_, err := r.Run(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	rm, ok := docker.find("rm")
	require.True(t, ok, "container must be removed after timeout")
	assert.Equal(t, []string{"rm", "-f", "attack-run-test"}, rm.args)
}

func TestRunCachedImageIsKept(t *testing.T) {
	docker := &fakeDocker{}
	r := newRunner(t, Config{ScriptsDir: scriptsDir(t, "Phish"), CacheImages: true}, docker)

	_, err := r.Run(context.Background(), "Phish", nil)
	require.NoError(t, err)

	build, _ := docker.find("build")
	assert.Equal(t, "attack-script-phish:latest", build.args[2])
	assert.Equal(t, []string{"build", "run", "rm"}, docker.subcommands())
}

func TestEnvPairs(t *testing.T) {
	got := EnvPairs(map[string]string{
		"target":      "x",
		"smtp.port":   "25",
		"Sender Name": "IT Desk",
		"":            "dropped",
	})
	assert.Equal(t, []string{"SENDER_NAME=IT Desk", "SMTP_PORT=25", "TARGET=x"}, got)
}

func TestExecRunnerKillsProcessGroupOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The background sleep holds the output pipe; only a group kill releases it
	// before WaitDelay.
	start := time.Now()
	_, _, err := ExecRunner{WaitDelay: 10 * time.Second}.Run(ctx, "sh", "-c", "sleep 30 & wait")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	stdout, _, err := ExecRunner{}.Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(stdout))
}

func TestCappedBufferKeepsPrefix(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, _ = b.Write([]byte("more"))
	assert.Equal(t, "abcde"+TruncatedMarker, string(b.Bytes()))

	small := &cappedBuffer{limit: 5}
	_, _ = small.Write([]byte("abcde"))
	assert.Equal(t, "abcde", string(small.Bytes()))
}

func TestExecRunnerCapsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	stdout, _, err := ExecRunner{MaxOutput: 1024}.Run(context.Background(), "sh", "-c", "i=0; while [ $i -lt 500 ]; do echo 0123456789; i=$((i+1)); done")
	require.NoError(t, err)
	assert.Len(t, stdout, 1024+len(TruncatedMarker))
}

func TestImageRepoNameIsAlwaysValid(t *testing.T) {
	valid := regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	assert.Equal(t, "phish", imageRepoName("phish"))
	assert.Equal(t, "phish-mail", imageRepoName("phish-mail"))

	seen := map[string]string{}
	for _, id := range []string{"abc-", "_", "-", "__x__", "Phish", "phish_mail", "a---b", "default_phishing_script"} {
		require.NoError(t, ValidateScriptID(id))
		name := imageRepoName(id)
		assert.Regexp(t, valid, name, id)
		if other, dup := seen[name]; dup {
			t.Fatalf("ids %q and %q share image %q", other, id, name)
		}
		seen[name] = id
	}
}
