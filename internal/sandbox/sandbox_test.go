package sandbox_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jameslbarnes/dshield/internal/sandbox"
)

func shCommand(t *testing.T, script string) []string {
	t.Helper()
	return []string{"/bin/sh", "-c", script}
}

func TestRunPassesThroughShapedResponse(t *testing.T) {
	cmd := shCommand(t, `echo '{"statusCode":201,"headers":{"X-Test":"yes"},"body":"created"}'`)
	res, err := sandbox.Run(context.Background(), sandbox.Config{Command: cmd, Timeout: 2 * time.Second}, sandbox.Invocation{
		FunctionID:   "fn-1",
		InvocationID: "inv-1",
		Payload:      []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StatusCode != 201 {
		t.Fatalf("expected statusCode 201, got %d", res.StatusCode)
	}
	if res.Headers["X-Test"] != "yes" {
		t.Fatalf("expected header to pass through, got %v", res.Headers)
	}
	if string(res.Body) != "created" {
		t.Fatalf("expected body 'created', got %q", res.Body)
	}
}

func TestRunWrapsUnshapedJSON(t *testing.T) {
	cmd := shCommand(t, `echo '{"hello":"world"}'`)
	res, err := sandbox.Run(context.Background(), sandbox.Config{Command: cmd, Timeout: 2 * time.Second}, sandbox.Invocation{
		FunctionID: "fn-1",
		Payload:    []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StatusCode != 200 {
		t.Fatalf("expected wrapped statusCode 200, got %d", res.StatusCode)
	}
	if res.Headers["Content-Type"] != "application/json" {
		t.Fatalf("expected wrapped Content-Type, got %v", res.Headers)
	}
	if !strings.Contains(string(res.Body), "hello") {
		t.Fatalf("expected raw JSON body to be preserved, got %q", res.Body)
	}
}

func TestRunInvalidJSONIsRejected(t *testing.T) {
	cmd := shCommand(t, `echo 'not json at all {{{'`)
	_, err := sandbox.Run(context.Background(), sandbox.Config{Command: cmd, Timeout: 2 * time.Second}, sandbox.Invocation{
		FunctionID: "fn-1",
		Payload:    []byte(`{}`),
	})
	if err == nil {
		t.Fatalf("expected an error for invalid response framing")
	}
}

func TestRunNonZeroExitIsChildFailure(t *testing.T) {
	cmd := shCommand(t, `echo 'boom' 1>&2; exit 3`)
	_, err := sandbox.Run(context.Background(), sandbox.Config{Command: cmd, Timeout: 2 * time.Second}, sandbox.Invocation{
		FunctionID: "fn-1",
		Payload:    []byte(`{}`),
	})
	if err == nil {
		t.Fatalf("expected a child failure error")
	}
	cf, ok := err.(*sandbox.ChildFailure)
	if !ok {
		t.Fatalf("expected *sandbox.ChildFailure, got %T: %v", err, err)
	}
	if cf.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", cf.ExitCode)
	}
	if !strings.Contains(cf.Stderr, "boom") {
		t.Fatalf("expected stderr to be captured, got %q", cf.Stderr)
	}
}

func TestRunTimeoutKillsChild(t *testing.T) {
	cmd := shCommand(t, `sleep 5`)
	_, err := sandbox.Run(context.Background(), sandbox.Config{Command: cmd, Timeout: 50 * time.Millisecond}, sandbox.Invocation{
		FunctionID: "fn-1",
		Payload:    []byte(`{}`),
	})
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected a timeout error, got: %v", err)
	}
}

func TestRunInjectsProxyEnv(t *testing.T) {
	cmd := shCommand(t, `printf '{"statusCode":200,"body":"%s|%s"}' "$HTTP_PROXY" "$https_proxy"`)
	res, err := sandbox.Run(context.Background(), sandbox.Config{
		Command:   cmd,
		Timeout:   2 * time.Second,
		ProxyAddr: "127.0.0.1:9" /* arbitrary, not dialed */,
	}, sandbox.Invocation{FunctionID: "fn-1", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "http://127.0.0.1:9|http://127.0.0.1:9"
	if string(res.Body) != want {
		t.Fatalf("expected proxy env vars injected in both cases, got %q", res.Body)
	}
}
