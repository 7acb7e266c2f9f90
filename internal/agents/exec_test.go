package agents

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/autonomous-butler/butler-core/internal/core"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func script(s string, fatal ...int) *ExecBackend {
	return &ExecBackend{Command: "sh", Args: []string{"-c", s}, Env: map[string]string{"REGION": "eu-west"}, FatalExitCodes: fatal}
}

func TestExecBackendPassesPayloadAndEnv(t *testing.T) {
	requireSh(t)
	inv := Invocation{AgentID: "ops-1", Kind: KindDevOps, Action: "deploy", Payload: []byte(`{"action":"deploy"}`)}

	out, err := script("cat").Invoke(context.Background(), inv)
	if err != nil || string(out) != `{"action":"deploy"}` {
		t.Fatalf("expected payload echoed, got %q %v", out, err)
	}

	out, err = script(`printf '%s/%s/%s/%s' "$BUTLER_AGENT_ID" "$BUTLER_AGENT_KIND" "$BUTLER_ACTION" "$REGION"`).Invoke(context.Background(), inv)
	if err != nil || string(out) != "ops-1/devops/deploy/eu-west" {
		t.Fatalf("unexpected env output %q %v", out, err)
	}
}

func TestExecBackendExitCodes(t *testing.T) {
	requireSh(t)
	inv := Invocation{AgentID: "a", Kind: KindSecurity, Action: "scan"}

	_, err := script("echo scanner offline >&2; exit 3", 4).Invoke(context.Background(), inv)
	var xerr *ExitError
	if !errors.As(err, &xerr) || xerr.Code != 3 || core.IsPermanent(err) {
		t.Fatalf("expected transient exit 3, got %v", err)
	}
	if xerr.Error() != "exit status 3: scanner offline" {
		t.Fatalf("unexpected message %q", xerr.Error())
	}

	_, err = script("exit 4", 4).Invoke(context.Background(), inv)
	if !core.IsPermanent(err) || !errors.As(err, &xerr) || xerr.Code != 4 {
		t.Fatalf("expected permanent exit 4, got %v", err)
	}

	_, err = (&ExecBackend{Command: "butler-no-such-binary"}).Invoke(context.Background(), inv)
	if !core.IsPermanent(err) {
		t.Fatalf("missing binary must be permanent, got %v", err)
	}
	_, err = (&ExecBackend{}).Invoke(context.Background(), inv)
	if !core.IsPermanent(err) {
		t.Fatalf("missing command must be permanent, got %v", err)
	}
}

func TestExecBackendHonorsContext(t *testing.T) {
	requireSh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := script("sleep 5").Invoke(ctx, Invocation{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("command was not killed on cancel")
	}
}
