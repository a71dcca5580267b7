// Package sandbox spawns a function's child process behind the Logging
// Proxy, feeds it its invocation payload both over stdin and via the
// DSHIELD_REQUEST_JSON environment variable, and normalizes its stdout into
// an HTTP-shaped result. The cancellation-aware child lifecycle follows the
// same context.WithTimeout-plus-exec.CommandContext idiom as any other
// supervised worker process.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrInvalidResponse is returned when a child's stdout cannot be parsed as
// JSON at all.
var ErrInvalidResponse = fmt.Errorf("sandbox: invalid function response")

// Config describes how to launch a function's child process.
type Config struct {
	// Command is the argv to execute: Command[0] is the path, the rest are
	// arguments.
	Command []string
	// Env carries additional environment variables beyond the inherited
	// process environment and the injected proxy variables.
	Env []string
	// Timeout is the wall-clock budget for one invocation. The child is
	// killed (SIGKILL) if it runs longer.
	Timeout time.Duration
	// ProxyAddr is the Logging Proxy's loopback address (host:port),
	// injected as HTTP_PROXY/HTTPS_PROXY (and lowercase variants) so the
	// child's outbound calls are forced through it.
	ProxyAddr string
}

// Invocation is one function call.
type Invocation struct {
	FunctionID   string
	InvocationID string
	Payload      []byte // raw JSON written to the child's stdin
}

// Result is the HTTP-shaped outcome of one invocation.
type Result struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// ChildFailure describes a child process that exited non-zero.
type ChildFailure struct {
	ExitCode int
	Stderr   string
}

func (f *ChildFailure) Error() string {
	return fmt.Sprintf("sandbox: child exited %d: %s", f.ExitCode, strings.TrimSpace(f.Stderr))
}

// Run executes one invocation of the function described by cfg and returns
// its normalized result, applying the child's timeout, proxy injection, and
// failure handling.
func Run(ctx context.Context, cfg Config, inv Invocation) (Result, error) {
	if len(cfg.Command) == 0 {
		return Result{}, fmt.Errorf("sandbox: empty command")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = buildChildEnv(cfg, inv)

	cmd.Stdin = bytes.NewReader(inv.Payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, fmt.Errorf("sandbox: timeout after %s", timeout)
	}
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return Result{}, &ChildFailure{ExitCode: exitCode, Stderr: stderr.String()}
	}

	return normalizeResponse(stdout.Bytes())
}

// buildChildEnv assembles the child's environment: the parent's own
// environment, cfg.Env overrides, the proxy variables in both case
// conventions since not every runtime respects the same one, and the
// invocation's identifiers plus its request payload as DSHIELD_REQUEST_JSON
// (the child also receives the same payload on stdin).
func buildChildEnv(cfg Config, inv Invocation) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, cfg.Env...)
	if cfg.ProxyAddr != "" {
		proxyURL := "http://" + cfg.ProxyAddr
		env = append(env,
			"HTTP_PROXY="+proxyURL,
			"http_proxy="+proxyURL,
			"HTTPS_PROXY="+proxyURL,
			"https_proxy="+proxyURL,
		)
	}
	env = append(env,
		"DSHIELD_FUNCTION_ID="+inv.FunctionID,
		"DSHIELD_INVOCATION_ID="+inv.InvocationID,
		"DSHIELD_REQUEST_JSON="+string(inv.Payload),
	)
	return env
}

// normalizeResponse implements result normalization: a child that emits a
// well-formed {statusCode, headers?, body} object is
// passed through as-is; any other JSON value is wrapped as a 200 response
// with Content-Type: application/json; anything that isn't JSON at all is
// ErrInvalidResponse.
func normalizeResponse(out []byte) (Result, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return Result{}, ErrInvalidResponse
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &generic); err != nil {
		// Not a JSON object at top level; still check it's valid JSON of
		// some other shape (array, string, number) before wrapping.
		var anyVal interface{}
		if err2 := json.Unmarshal(trimmed, &anyVal); err2 != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return wrapAsJSON(trimmed), nil
	}

	rawStatus, hasStatus := generic["statusCode"]
	if !hasStatus {
		return wrapAsJSON(trimmed), nil
	}

	var statusCode int
	if err := json.Unmarshal(rawStatus, &statusCode); err != nil {
		return Result{}, fmt.Errorf("%w: statusCode: %v", ErrInvalidResponse, err)
	}

	headers := map[string]string{}
	if rawHeaders, ok := generic["headers"]; ok {
		if err := json.Unmarshal(rawHeaders, &headers); err != nil {
			return Result{}, fmt.Errorf("%w: headers: %v", ErrInvalidResponse, err)
		}
	}

	var body []byte
	if rawBody, ok := generic["body"]; ok {
		var bodyStr string
		if err := json.Unmarshal(rawBody, &bodyStr); err == nil {
			body = []byte(bodyStr)
		} else {
			body = rawBody
		}
	}

	return Result{StatusCode: statusCode, Headers: headers, Body: body}, nil
}

func wrapAsJSON(raw []byte) Result {
	return Result{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       raw,
	}
}
