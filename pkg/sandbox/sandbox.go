// Package sandbox runs attack scripts in throwaway containers. Each run builds
// the script bundle into an image, runs it once with no network and a read-only
// root filesystem, and removes the container (and image) afterwards.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"attack-pipeline/pkg/observability"
)

var (
	ErrInvalidScriptID = errors.New("invalid script id")
	ErrUnknownScript   = errors.New("unknown script")
	ErrTimeout         = errors.New("script execution timed out")
)

var scriptIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateScriptID accepts only ids that cannot escape the scripts directory.
func ValidateScriptID(id string) error {
	if !scriptIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	return nil
}

type Stage string

const (
	StageBuild Stage = "build"
	StageRun   Stage = "run"
)

// ExecError is returned when building or running a script fails.
type ExecError struct {
	Stage    Stage
	ScriptID string
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("script %s %s failed: %v", e.ScriptID, e.Stage, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Result is the captured output of a successful run.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

type Config struct {
	ScriptsDir string
	Timeout    time.Duration
	CPUs       string
	Memory     string
	PidsLimit  int
	// CacheImages keeps one image per script instead of building a fresh
	// tag per run and removing it.
	CacheImages bool
	Docker      string
}

const (
	DefaultTimeout = 300 * time.Second
	cleanupTimeout = 30 * time.Second
	sandboxUser    = "65534:65534"
)

type Runner struct {
	cfg    Config
	cmd    CommandRunner
	logger *slog.Logger
	runID  func() string
}

type Option func(*Runner)

func WithCommandRunner(c CommandRunner) Option {
	return func(r *Runner) { r.cmd = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func New(cfg Config, opts ...Option) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Docker == "" {
		cfg.Docker = "docker"
	}
	r := &Runner{
		cfg:    cfg,
		cmd:    ExecRunner{},
		logger: slog.Default(),
		runID:  func() string { return "attack-run-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one script with params injected as environment variables and
// returns its output. The container and per-run image are removed on every
// exit path.
func (r *Runner) Run(ctx context.Context, scriptID string, params map[string]string) (Result, error) {
	if err := ValidateScriptID(scriptID); err != nil {
		observability.SandboxRuns.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	bundle, err := r.bundleDir(scriptID)
	if err != nil {
		observability.SandboxRuns.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	run := r.runID()
	image := r.imageName(scriptID, run)
	l := r.logger.With("script_id", scriptID, "run", run)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	defer r.cleanup(l, run, image)

	start := time.Now()
	if _, stderr, err := r.cmd.Run(runCtx, r.cfg.Docker, "build", "-t", image, bundle); err != nil {
		return Result{}, r.fail(runCtx, ctx, StageBuild, scriptID, stderr, err)
	}

	stdout, stderr, err := r.cmd.Run(runCtx, r.cfg.Docker, r.runArgs(run, image, params)...)
	if err != nil {
		return Result{}, r.fail(runCtx, ctx, StageRun, scriptID, stderr, err)
	}

	observability.SandboxRuns.WithLabelValues("success").Inc()
	res := Result{Stdout: string(stdout), Stderr: string(stderr), Duration: time.Since(start)}
	l.Info("script finished", "duration", res.Duration)
	return res, nil
}

func (r *Runner) fail(runCtx, parent context.Context, stage Stage, scriptID string, stderr []byte, err error) error {
	switch {
	case parent.Err() != nil:
		err = parent.Err()
		observability.SandboxRuns.WithLabelValues("cancelled").Inc()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		err = ErrTimeout
		observability.SandboxRuns.WithLabelValues("timeout").Inc()
	default:
		observability.SandboxRuns.WithLabelValues(string(stage) + "_error").Inc()
	}
	return &ExecError{Stage: stage, ScriptID: scriptID, Stderr: string(stderr), Err: err}
}

func (r *Runner) bundleDir(scriptID string) (string, error) {
	root, err := filepath.Abs(r.cfg.ScriptsDir)
	if err != nil {
		return "", fmt.Errorf("resolve scripts dir: %w", err)
	}
	dir := filepath.Join(root, scriptID)
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownScript, scriptID)
	}
	return dir, nil
}

func (r *Runner) imageName(scriptID, run string) string {
	tag := run
	if r.cfg.CacheImages {
		tag = "latest"
	}
	return "attack-script-" + imageRepoName(scriptID) + ":" + tag
}

var repoSeparators = regexp.MustCompile(`[_-]+`)

// imageRepoName maps a script id onto a valid docker repository component.
// Ids that need rewriting get a hash suffix so distinct ids never share an
// image.
func imageRepoName(scriptID string) string {
	name := strings.Trim(repoSeparators.ReplaceAllString(strings.ToLower(scriptID), "-"), "-")
	if name == scriptID {
		return name
	}
	sum := sha256.Sum256([]byte(scriptID))
	if name == "" {
		return hex.EncodeToString(sum[:4])
	}
	return name + "-" + hex.EncodeToString(sum[:4])
}

func (r *Runner) runArgs(run, image string, params map[string]string) []string {
	args := []string{
		"run", "--rm",
		"--name", run,
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", sandboxUser,
	}
	if r.cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(r.cfg.PidsLimit))
	}
	if r.cfg.CPUs != "" {
		args = append(args, "--cpus", r.cfg.CPUs)
	}
	if r.cfg.Memory != "" {
		args = append(args, "--memory", r.cfg.Memory)
	}
	for _, kv := range EnvPairs(params) {
		args = append(args, "-e", kv)
	}
	return append(args, image)
}

// cleanup uses its own context so a cancelled or timed-out run is still
// removed.
func (r *Runner) cleanup(l *slog.Logger, run, image string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, stderr, err := r.cmd.Run(ctx, r.cfg.Docker, "rm", "-f", run); err != nil {
		l.Debug("container removal failed", "error", err, "stderr", strings.TrimSpace(string(stderr)))
	}
	if r.cfg.CacheImages {
		return
	}
	if _, stderr, err := r.cmd.Run(ctx, r.cfg.Docker, "rmi", "-f", image); err != nil {
		l.Warn("image removal failed", "image", image, "error", err, "stderr", strings.TrimSpace(string(stderr)))
	}
}

// EnvName maps a parameter key to an environment variable name.
func EnvName(key string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(key) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// EnvPairs returns KEY=VALUE entries sorted by key. Keys that map to an empty
// name are skipped.
func EnvPairs(params map[string]string) []string {
	out := make([]string, 0, len(params))
	for k, v := range params {
		name := EnvName(k)
		if name == "" {
			continue
		}
		out = append(out, name+"="+v)
	}
	sort.Strings(out)
	return out
}
