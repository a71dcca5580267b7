// Package auditlayer implements the Request/Response Audit Layer: an HTTP
// middleware that logs a `request` entry before a handled request reaches
// user code and a `response` entry before the response is flushed back to
// the caller, both signed and sequenced the same way as the Logging
// Proxy's egress entries, but filed under a reserved functionId so they
// don't interleave with a function's own egress log.
package auditlayer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jameslbarnes/dshield/internal/logentry"
	"github.com/jameslbarnes/dshield/internal/logstore"
	"github.com/jameslbarnes/dshield/internal/signer"
)

// RuntimeFunctionID is the functionId convention under which request/
// response entries are filed, keeping them out of any function's own
// egress sequence.
const RuntimeFunctionID = "__runtime__"

// Layer is the Request/Response Audit Layer.
type Layer struct {
	Store  logstore.Store
	Signer signer.Signer

	locks sync.Map // functionId -> *sync.Mutex
}

// New constructs a Layer against the given Log Store and Signer.
func New(store logstore.Store, s signer.Signer) *Layer {
	return &Layer{Store: store, Signer: s}
}

func (l *Layer) lockFor(functionID string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(functionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// appendSignedEntry runs the same await-serialized critical section the
// Logging Proxy uses: getLatestSequence -> build -> sign -> append, all
// under one per-functionId mutex.
func (l *Layer) appendSignedEntry(ctx context.Context, partial logentry.Entry) (logentry.Signed, error) {
	mu := l.lockFor(partial.FunctionID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := l.Store.GetLatestSequence(ctx, partial.FunctionID)
	if err != nil {
		return logentry.Signed{}, fmt.Errorf("auditlayer: get latest sequence: %w", err)
	}
	partial.Sequence = seq + 1
	partial.Timestamp = time.Now().UTC()

	canon, err := logentry.CanonicalBytes(partial)
	if err != nil {
		return logentry.Signed{}, fmt.Errorf("auditlayer: canonicalize entry: %w", err)
	}
	sig, err := l.Signer.Sign(canon)
	if err != nil {
		return logentry.Signed{}, fmt.Errorf("auditlayer: sign error: %w", err)
	}
	signed := logentry.Signed{Entry: partial, Signature: base64.StdEncoding.EncodeToString(sig)}

	if err := l.Store.Append(ctx, signed); err != nil {
		return logentry.Signed{}, fmt.Errorf("auditlayer: log append failure: %w", err)
	}
	return signed, nil
}

// Wrap returns next wrapped with request/response audit logging. The
// functionId under which entries are filed is RuntimeFunctionID unless
// overridden by the X-Dshield-Function-Id header.
func (l *Layer) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		functionID := RuntimeFunctionID
		if fid := r.Header.Get("X-Dshield-Function-Id"); fid != "" {
			functionID = fid
		}

		var bodyBuf bytes.Buffer
		if r.Body != nil {
			_, _ = bodyBuf.ReadFrom(r.Body)
			_ = r.Body.Close()
			r.Body = noopCloser{bytes.NewReader(bodyBuf.Bytes())}
		}

		reqEntry, err := l.appendSignedEntry(r.Context(), logentry.Entry{
			Kind:       logentry.KindRequest,
			FunctionID: functionID,
			Method:     r.Method,
			Path:       r.URL.Path,
			SourceIP:   sourceIP(r),
			ClientID:   r.Header.Get("X-Client-Id"),
			RequestSize: int64(bodyBuf.Len()),
			RequestHash: hashHex(bodyBuf.Bytes()),
		})
		if err != nil {
			http.Error(w, "audit log append failure", http.StatusInternalServerError)
			return
		}

		start := time.Now()
		rec := &responseRecorder{header: make(http.Header), statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		if _, err := l.appendSignedEntry(r.Context(), logentry.Entry{
			Kind:         logentry.KindResponse,
			FunctionID:   functionID,
			RequestSeq:   reqEntry.Sequence,
			Status:       rec.statusCode,
			ResponseSize: int64(rec.body.Len()),
			ResponseHash: hashHex(rec.body.Bytes()),
			DurationMs:   duration.Milliseconds(),
		}); err != nil {
			http.Error(w, "audit log append failure", http.StatusInternalServerError)
			return
		}

		for k, vs := range rec.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(rec.statusCode)
		_, _ = w.Write(rec.body.Bytes())
	})
}

// responseRecorder buffers the handler's response so the response entry
// can be logged before anything reaches the real client connection.
type responseRecorder struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
	wroteHdr   bool
}

func (rr *responseRecorder) Header() http.Header { return rr.header }

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.wroteHdr {
		return
	}
	rr.statusCode = code
	rr.wroteHdr = true
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	return rr.body.Write(b)
}

type noopCloser struct{ *bytes.Reader }

func (noopCloser) Close() error { return nil }

func sourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}
