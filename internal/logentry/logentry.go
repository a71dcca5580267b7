// Package logentry defines the signed log entry data model shared by the
// Logging Proxy, the Log Store, and the Integrity Verifier.
package logentry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three log entry variants.
type Kind string

const (
	KindEgress   Kind = "egress"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// ErrNotFound is a sentinel for a missing log stream or entry; no function in
// this package returns it.
var ErrNotFound = errors.New("not found")

// NewInvocationID returns a freshly-generated invocation identifier, stable
// for all entries belonging to one logical execution.
func NewInvocationID() string {
	return uuid.New().String()
}

// Entry is a tagged-variant log entry. All fields are exported so the Proxy,
// Sandbox, and Audit Layer can populate exactly the variant fields relevant
// to a given Kind; fields unused by a Kind are left zero-valued and omitted
// from the canonical signing bytes.
type Entry struct {
	Kind         Kind      `json:"kind"`
	Sequence     int64     `json:"sequence"`
	FunctionID   string    `json:"functionId"`
	InvocationID string    `json:"invocationId"`
	Timestamp    time.Time `json:"timestamp"`

	// egress
	Method   string `json:"method,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Path     string `json:"path,omitempty"`
	Protocol string `json:"protocol,omitempty"`

	// request
	SourceIP    string `json:"sourceIp,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	RequestSize int64  `json:"requestSize,omitempty"`
	RequestHash string `json:"requestHash,omitempty"`

	// response
	RequestSeq   int64 `json:"requestSeq,omitempty"`
	Status       int   `json:"status,omitempty"`
	ResponseSize int64 `json:"responseSize,omitempty"`
	ResponseHash string `json:"responseHash,omitempty"`
	DurationMs   int64 `json:"durationMs,omitempty"`
}

// Signed wraps an Entry with the signature computed over its canonical bytes.
type Signed struct {
	Entry
	Signature string `json:"signature"`
}

// field is one ordered (key, value) pair of the canonical signing form.
// Values are encoded with encoding/json so strings/numbers/times use their
// normal JSON representation; only the key order and presence is hand-rolled.
type field struct {
	key   string
	value interface{}
	// omitEmpty mirrors the `omitempty` contract of encoding/json for the
	// small set of Go zero values used by variant fields.
	omitEmpty bool
}

func isZero(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case int:
		return t == 0
	case int64:
		return t == 0
	default:
		return false
	}
}

// CanonicalBytes returns the deterministic signing bytes for e: a compact
// JSON object whose keys appear in insertion order — the base fields
// (kind, sequence, functionId, invocationId, timestamp) followed by the
// variant-specific fields in the order they are declared on Entry — with the
// signature field always absent. Any implementation of this function for the
// same Entry value MUST produce byte-identical output, since the signature
// is computed over exactly these bytes.
func CanonicalBytes(e Entry) ([]byte, error) {
	fields := []field{
		{"kind", string(e.Kind), false},
		{"sequence", e.Sequence, false},
		{"functionId", e.FunctionID, false},
		{"invocationId", e.InvocationID, false},
		{"timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano), false},
	}

	switch e.Kind {
	case KindEgress:
		fields = append(fields,
			field{"method", e.Method, false},
			field{"host", e.Host, false},
			field{"port", e.Port, false},
			field{"path", e.Path, false},
			field{"protocol", e.Protocol, false},
		)
	case KindRequest:
		fields = append(fields,
			field{"method", e.Method, false},
			field{"path", e.Path, false},
			field{"sourceIp", e.SourceIP, false},
			field{"clientId", e.ClientID, true},
			field{"requestSize", e.RequestSize, false},
			field{"requestHash", e.RequestHash, false},
		)
	case KindResponse:
		fields = append(fields,
			field{"requestSeq", e.RequestSeq, false},
			field{"status", e.Status, false},
			field{"responseSize", e.ResponseSize, false},
			field{"responseHash", e.ResponseHash, false},
			field{"durationMs", e.DurationMs, false},
		)
	default:
		return nil, fmt.Errorf("logentry: unknown kind %q", e.Kind)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	wrote := false
	for _, f := range fields {
		if f.omitEmpty && isZero(f.value) {
			continue
		}
		if wrote {
			buf.WriteByte(',')
		}
		wrote = true
		keyJSON, err := json.Marshal(f.key)
		if err != nil {
			return nil, fmt.Errorf("logentry: marshal key %q: %w", f.key, err)
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		valJSON, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("logentry: marshal field %q: %w", f.key, err)
		}
		buf.Write(valJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
