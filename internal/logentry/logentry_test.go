package logentry_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jameslbarnes/dshield/internal/logentry"
)

func TestCanonicalBytesFieldOrderEgress(t *testing.T) {
	e := logentry.Entry{
		Kind:         logentry.KindEgress,
		Sequence:     1,
		FunctionID:   "fn-1",
		InvocationID: "inv-1",
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Method:       "GET",
		Host:         "127.0.0.1",
		Port:         8443,
		Path:         "/test-path",
		Protocol:     "http",
	}

	got, err := logentry.CanonicalBytes(e)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}

	want := `{"kind":"egress","sequence":1,"functionId":"fn-1","invocationId":"inv-1","timestamp":"2026-01-02T03:04:05Z","method":"GET","host":"127.0.0.1","port":8443,"path":"/test-path","protocol":"http"}`
	if string(got) != want {
		t.Fatalf("unexpected canonical bytes:\ngot:  %s\nwant: %s", got, want)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(got, &parsed); err != nil {
		t.Fatalf("canonical bytes are not valid JSON: %v", err)
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	e := logentry.Entry{
		Kind:         logentry.KindRequest,
		Sequence:     3,
		FunctionID:   "fn-2",
		InvocationID: "inv-2",
		Timestamp:    time.Now().UTC(),
		Method:       "POST",
		Path:         "/invoke",
		SourceIP:     "10.0.0.5",
		RequestSize:  128,
		RequestHash:  "deadbeef",
	}

	a, err := logentry.CanonicalBytes(e)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	b, err := logentry.CanonicalBytes(e)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical canonical bytes across calls")
	}
}

func TestCanonicalBytesOmitsOptionalClientID(t *testing.T) {
	e := logentry.Entry{
		Kind:         logentry.KindRequest,
		Sequence:     1,
		FunctionID:   "fn-3",
		InvocationID: "inv-3",
		Timestamp:    time.Now().UTC(),
		Method:       "GET",
		Path:         "/",
		SourceIP:     "10.0.0.1",
		RequestSize:  0,
		RequestHash:  "",
	}

	got, err := logentry.CanonicalBytes(e)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(got, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := parsed["clientId"]; ok {
		t.Fatalf("expected clientId to be omitted when empty, got %v", parsed["clientId"])
	}
}

func TestCanonicalBytesResponseVariant(t *testing.T) {
	e := logentry.Entry{
		Kind:         logentry.KindResponse,
		Sequence:     2,
		FunctionID:   "fn-4",
		InvocationID: "inv-4",
		Timestamp:    time.Now().UTC(),
		RequestSeq:   1,
		Status:       200,
		ResponseSize: 42,
		ResponseHash: "abc123",
		DurationMs:   15,
	}

	got, err := logentry.CanonicalBytes(e)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(got, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["status"].(float64) != 200 {
		t.Fatalf("expected status 200, got %v", parsed["status"])
	}
	if _, hasMethod := parsed["method"]; hasMethod {
		t.Fatalf("response entry should not include egress/request-only fields")
	}
}

func TestCanonicalBytesUnknownKind(t *testing.T) {
	e := logentry.Entry{Kind: "bogus"}
	if _, err := logentry.CanonicalBytes(e); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
