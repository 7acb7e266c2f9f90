package agents

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/autonomous-butler/butler-core/internal/core"
	gssh "github.com/autonomous-butler/butler-core/internal/ssh"
	"github.com/autonomous-butler/butler-core/internal/ssh/sshtest"
)

func newSSHBackend(t *testing.T, command string, args []string, fatal ...int) (*SSHBackend, string) {
	t.Helper()
	for _, bin := range []string{"sh", "sha256sum"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	srv := sshtest.NewServer(t, nil)
	kh := filepath.Join(t.TempDir(), "known_hosts")
	if err := gssh.AppendKnownHost(kh, srv.Addr, srv.AuthorizedHostKey()); err != nil {
		t.Fatalf("known host: %v", err)
	}
	host, port, err := net.SplitHostPort(srv.Addr)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	remoteDir := t.TempDir()
	b, err := NewSSHBackend(SSHOptions{
		Host:           host,
		Port:           p,
		KeyPath:        srv.ClientKeyPath,
		KnownHosts:     kh,
		Command:        command,
		Args:           args,
		Env:            map[string]string{"REGION": "eu west"},
		RemoteDir:      remoteDir,
		FatalExitCodes: fatal,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b, remoteDir
}

func TestSSHBackendRunsWithPayload(t *testing.T) {
	b, remoteDir := newSSHBackend(t, "cat", nil)
	inv := Invocation{AgentID: "infra-1", Kind: KindInfrastructure, Action: "heal", Payload: []byte(`{"action":"heal","resource":"db-1"}`)}

	out, err := b.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != string(inv.Payload) {
		t.Fatalf("expected payload on stdin, got %q", out)
	}
	entries, err := os.ReadDir(remoteDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("uploaded payload was not removed: %v", entries)
	}
}

func TestSSHBackendEnvironment(t *testing.T) {
	b, _ := newSSHBackend(t, "sh", []string{"-c", `printf '%s|%s|%s|%s|' "$BUTLER_AGENT_ID" "$BUTLER_ACTION" "$REGION" "$BUTLER_PAYLOAD"`})
	out, err := b.Invoke(context.Background(), Invocation{AgentID: "sec-1", Kind: KindSecurity, Action: "scan", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	parts := strings.Split(string(out), "|")
	if len(parts) < 4 || parts[0] != "sec-1" || parts[1] != "scan" || parts[2] != "eu west" {
		t.Fatalf("unexpected env output %q", out)
	}
	if !strings.HasSuffix(parts[3], ".json") || !strings.Contains(parts[3], "scan-") {
		t.Fatalf("unexpected payload path %q", parts[3])
	}
}

func TestSSHBackendExitCodes(t *testing.T) {
	b, _ := newSSHBackend(t, "sh", []string{"-c", `echo "$BUTLER_ACTION failed" >&2; exit $(cat | wc -c | tr -d ' ' | cut -c1)`}, 9)

	_, err := b.Invoke(context.Background(), Invocation{Action: "patch", Payload: []byte("ab")})
	var xerr *ExitError
	if !errors.As(err, &xerr) || xerr.Code != 2 || core.IsPermanent(err) {
		t.Fatalf("expected transient exit 2, got %v", err)
	}
	if !strings.Contains(xerr.Error(), "patch failed") {
		t.Fatalf("stderr missing from error: %v", xerr)
	}

	_, err = b.Invoke(context.Background(), Invocation{Action: "patch", Payload: []byte("abcdefghi")})
	if !core.IsPermanent(err) || !errors.As(err, &xerr) || xerr.Code != 9 {
		t.Fatalf("expected permanent exit 9, got %v", err)
	}
}

func TestSSHBackendRejectsUnknownHost(t *testing.T) {
	b, _ := newSSHBackend(t, "cat", nil)
	other := sshtest.NewServer(t, nil)
	b.client.Addr = other.Addr
	b.client.Retries = 3

	_, err := b.Invoke(context.Background(), Invocation{Action: "heal"})
	if !core.IsPermanent(err) {
		t.Fatalf("host key failure must be permanent, got %v", err)
	}
}

func TestNewSSHBackendValidates(t *testing.T) {
	if _, err := NewSSHBackend(SSHOptions{Command: "x"}); err == nil {
		t.Fatal("expected missing host error")
	}
	if _, err := NewSSHBackend(SSHOptions{Host: "h"}); err == nil {
		t.Fatal("expected missing command error")
	}
	if _, err := NewSSHBackend(SSHOptions{Host: "h", Command: "x", KeyPath: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected missing key error")
	}
}
