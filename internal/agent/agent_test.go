package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"

	"github.com/autonomous-butler/butler-core/internal/agents"
	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/internal/telemetry"
	"github.com/autonomous-butler/butler-core/pkg/api"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shell(script string, fatal ...int) *agents.ExecBackend {
	return &agents.ExecBackend{Command: "sh", Args: []string{"-c", script}, FatalExitCodes: fatal}
}

func postRun(t *testing.T, h http.Handler, req api.RunRequest, header http.Header) (*httptest.ResponseRecorder, api.RunResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/v0/run", bytes.NewReader(body))
	for k, v := range header {
		r.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	var resp api.RunResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	}
	return rr, resp
}

// TestHeartbeat tests the heartbeat endpoint
func TestHeartbeat(t *testing.T) {
	srv := &Server{Version: "test"}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp api.HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" || resp.Backend != "noop" || resp.Host == "" {
		t.Fatalf("unexpected heartbeat %+v", resp)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/run", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v0/run should be rejected, got %d", rr.Code)
	}
}

func TestRunPassesPayloadToBackend(t *testing.T) {
	requireSh(t)
	h := (&Server{Version: "test", Backend: shell("cat")}).Handler()

	rr, resp := postRun(t, h, api.RunRequest{AgentID: "ops", Kind: "devops", Action: "deploy", Payload: json.RawMessage(`{"action":"deploy"}`)}, nil)
	if rr.Code != 200 || resp.ExitCode != 0 {
		t.Fatalf("unexpected response %d %+v", rr.Code, resp)
	}
	if string(resp.Output) != `{"action":"deploy"}` {
		t.Fatalf("json output should pass through, got %s", resp.Output)
	}

	h = (&Server{Backend: shell(`printf 'deployed %s' "$BUTLER_ACTION"`)}).Handler()
	_, resp = postRun(t, h, api.RunRequest{Action: "rollback"}, nil)
	var text string
	if err := json.Unmarshal(resp.Output, &text); err != nil || text != "deployed rollback" {
		t.Fatalf("text output should be wrapped as a string, got %s", resp.Output)
	}
}

func TestRunReportsFailures(t *testing.T) {
	requireSh(t)
	h := (&Server{Backend: shell(`echo "$BUTLER_ACTION" failed >&2; exit ${CODE:-3}`, 4)}).Handler()

	_, resp := postRun(t, h, api.RunRequest{Action: "scan"}, nil)
	if resp.ExitCode != 3 || resp.Permanent || resp.Stderr != "scan failed\n" {
		t.Fatalf("expected transient exit 3, got %+v", resp)
	}

	h = (&Server{Backend: shell("exit 4", 4)}).Handler()
	_, resp = postRun(t, h, api.RunRequest{Action: "scan"}, nil)
	if resp.ExitCode != 4 || !resp.Permanent {
		t.Fatalf("expected permanent exit 4, got %+v", resp)
	}

	h = (&Server{Backend: shell("sleep 5")}).Handler()
	_, resp = postRun(t, h, api.RunRequest{Action: "scan", TimeoutSeconds: 1}, nil)
	if resp.ExitCode != -1 || resp.Permanent || resp.Error == "" {
		t.Fatalf("expected timed out run, got %+v", resp)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	h := (&Server{}).Handler()
	r := httptest.NewRequest(http.MethodPost, "/v0/run", bytes.NewReader([]byte("{")))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}
	if rr, _ := postRun(t, h, api.RunRequest{AgentID: "x"}, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing action, got %d", rr.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	h := (&Server{Token: "s3cret"}).Handler()
	if rr, _ := postRun(t, h, api.RunRequest{Action: "ticket"}, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr, _ := postRun(t, h, api.RunRequest{Action: "ticket"}, http.Header{"Authorization": {"Bearer s3cret"}}); rr.Code != http.StatusOK {
		t.Fatalf("expected bearer token accepted, got %d", rr.Code)
	}
	if rr, _ := postRun(t, h, api.RunRequest{Action: "ticket"}, http.Header{"X-Auth-Token": {"s3cret"}}); rr.Code != http.StatusOK {
		t.Fatalf("expected header token accepted, got %d", rr.Code)
	}
}

func TestHTTPBackendAgainstDaemon(t *testing.T) {
	requireSh(t)
	daemon := httptest.NewServer((&Server{Version: "test", Token: "tok", Backend: shell(`cat; test "$BUTLER_AGENT_KIND" = revenue || exit 7`, 7)}).Handler())
	defer daemon.Close()

	b := agents.NewHTTPBackend(daemon.URL, "tok", -1)
	a := agents.NewRevenueAgent("rev-edge", b)
	out, err := a.Run(context.Background(), []byte(`{"action":"retry_payment","invoice_id":"inv_42"}`))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(out) != `{"action":"retry_payment","invoice_id":"inv_42"}` {
		t.Fatalf("unexpected output %s", out)
	}

	_, err = agents.NewSupportAgent("sup-edge", b).Run(context.Background(), []byte(`{"action":"auto_respond","ticket_id":"T-1"}`))
	if !core.IsPermanent(err) {
		t.Fatalf("fatal remote exit must be permanent, got %v", err)
	}

	hb, err := b.Heartbeat(context.Background())
	if err != nil || hb.Backend != "exec" {
		t.Fatalf("heartbeat: %+v %v", hb, err)
	}
}

func TestMTLSMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("X-Client-Serial")))
	})

	plain := httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil)
	plain.Header.Set("X-Client-Serial", "spoofed")
	rr := httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, plain)
	if rr.Code != 200 || rr.Body.String() != "" {
		t.Fatalf("plain request should pass without identity, got %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without client cert, got %d", rr.Code)
	}

	withCert := httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil)
	withCert.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{SerialNumber: big.NewInt(42)}}}
	rr = httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, withCert)
	if rr.Code != 200 || rr.Body.String() != "42" {
		t.Fatalf("expected client serial, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestConfigureTLSRequiresMaterial(t *testing.T) {
	s := &Server{}
	if _, err := s.ConfigureTLS(MTLSConfig{}); err == nil {
		t.Fatal("expected error without cert and key")
	}
	if _, err := s.ConfigureTLS(MTLSConfig{ServerCert: "/nonexistent.pem", ServerKey: "/nonexistent.key"}); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestMetricsRoute(t *testing.T) {
	rr := httptest.NewRecorder()
	(&Server{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("metrics must be off by default, got %d", rr.Code)
	}

	srv := &Server{Token: "tok", Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})}
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != 200 || rr.Body.String() != "# metrics" {
		t.Fatalf("unexpected metrics response %d %q", rr.Code, rr.Body.String())
	}
}

func TestRunTracksInFlightGauge(t *testing.T) {
	collector := telemetry.InitGlobal(true)
	t.Cleanup(func() { telemetry.InitGlobal(false) })
	h := (&Server{Metrics: collector.Handler()}).Handler()

	if rr, _ := postRun(t, h, api.RunRequest{Action: "deploy"}, nil); rr.Code != http.StatusOK {
		t.Fatalf("run: %d", rr.Code)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "butler_agent_daemon_runs_in_flight 0") || !strings.Contains(body, "butler_agent_daemon_runs_total") {
		t.Fatalf("expected run metrics, got:\n%s", body)
	}
}
