package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// CommandRunner launches one external program with an explicit argument list.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands as child processes. No shell is involved.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after a kill.
	WaitDelay time.Duration
	// MaxOutput caps the bytes kept per stream. Zero means DefaultMaxOutput.
	MaxOutput int
}

const DefaultMaxOutput = 4 << 20

// TruncatedMarker is appended to a stream that exceeded MaxOutput.
const TruncatedMarker = "\n[output truncated]"

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// cappedBuffer keeps the first limit bytes and discards the rest. Writes
// never fail, so a chatty script is not killed by a broken pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	if !b.truncated {
		return b.buf.Bytes()
	}
	return append(b.buf.Bytes(), TruncatedMarker...)
}
