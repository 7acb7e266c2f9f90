package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/autonomous-butler/butler-core/internal/core"
)

// ExecBackend runs a local command per invocation. The payload is written to
// the command's stdin and stdout becomes the task output. The environment
// carries BUTLER_AGENT_ID, BUTLER_AGENT_KIND and BUTLER_ACTION.
type ExecBackend struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string
	// FatalExitCodes are exit codes that must not be retried.
	FatalExitCodes []int
}

// ExecResult is the raw outcome of a command run.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, msg)
}

func (b *ExecBackend) Name() string { return "exec" }

// Fatal reports whether an exit code is configured as non-retryable.
func (b *ExecBackend) Fatal(code int) bool { return slices.Contains(b.FatalExitCodes, code) }

// Invoke runs the command and classifies its result. A command that cannot
// be started or exits with a fatal code fails permanently.
func (b *ExecBackend) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	res, err := b.Exec(ctx, inv)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		xerr := &ExitError{Code: res.ExitCode, Stderr: string(res.Stderr)}
		if b.Fatal(res.ExitCode) {
			return nil, core.Permanent(xerr)
		}
		return nil, xerr
	}
	return res.Stdout, nil
}

// Exec runs the command once. Non-zero exits are reported in the result, not
// as an error.
func (b *ExecBackend) Exec(ctx context.Context, inv Invocation) (ExecResult, error) {
	if b.Command == "" {
		return ExecResult{}, core.Permanent(errors.New("exec backend: no command configured"))
	}
	cmd := exec.CommandContext(ctx, b.Command, b.Args...)
	if b.WorkDir != "" {
		cmd.Dir = b.WorkDir
	}
	cmd.Env = append(os.Environ(), b.environ(inv)...)
	cmd.Stdin = bytes.NewReader(inv.Payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that outlive a killed command must not hold Wait open.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return res, core.Permanent(fmt.Errorf("start %s: %w", b.Command, err))
	default:
		return res, fmt.Errorf("run %s: %w", b.Command, err)
	}
	return res, nil
}

func (b *ExecBackend) environ(inv Invocation) []string {
	keys := make([]string, 0, len(b.Env))
	for k := range b.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+3)
	for _, k := range keys {
		env = append(env, k+"="+b.Env[k])
	}
	return append(env,
		"BUTLER_AGENT_ID="+inv.AgentID,
		"BUTLER_AGENT_KIND="+inv.Kind,
		"BUTLER_ACTION="+inv.Action,
	)
}
