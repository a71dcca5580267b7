// Package proxy implements the Logging Proxy: an HTTP/HTTPS forward proxy
// that assigns a per-functionId monotonically increasing sequence number to
// every outbound request, signs each log entry, and persists it before
// forwarding. The serialized critical section and pre-forward logging
// discipline are purpose-built for this pipeline; the HTTP plumbing
// follows ordinary net/http forward-proxy idiom.
package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jameslbarnes/dshield/internal/logentry"
	"github.com/jameslbarnes/dshield/internal/logstore"
	"github.com/jameslbarnes/dshield/internal/signer"
)

// hopByHopHeaders are stripped before forwarding.
var hopByHopHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authorization",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
}

// Proxy is the Logging Proxy. One instance typically serves one sandboxed
// invocation, but the sequencing critical section is keyed by functionId so
// a single instance could in principle multiplex several.
type Proxy struct {
	Store  logstore.Store
	Signer signer.Signer

	locks sync.Map // functionId -> *sync.Mutex

	invMu        sync.Mutex
	invocationID string

	listenAddr string
	ln         net.Listener
	srv        *http.Server
}

// New constructs a Proxy against the given Log Store and Signer.
func New(store logstore.Store, s signer.Signer) *Proxy {
	return &Proxy{Store: store, Signer: s}
}

// NewInvocation generates a fresh invocation id, makes it current, and
// returns it.
func (p *Proxy) NewInvocation() string {
	id := logentry.NewInvocationID()
	p.invMu.Lock()
	p.invocationID = id
	p.invMu.Unlock()
	return id
}

// SetInvocationID sets the current invocation id to one supplied externally,
// letting the outer control plane correlate request/response and egress
// entries under one id.
func (p *Proxy) SetInvocationID(id string) {
	p.invMu.Lock()
	p.invocationID = id
	p.invMu.Unlock()
}

func (p *Proxy) currentInvocationID() string {
	p.invMu.Lock()
	defer p.invMu.Unlock()
	return p.invocationID
}

func (p *Proxy) lockFor(functionID string) *sync.Mutex {
	v, _ := p.locks.LoadOrStore(functionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// appendSignedEntry runs the serialized critical section: getLatestSequence
// -> build -> sign -> append, all held under one per-functionId mutex so two
// concurrent callers never read the same "last" sequence.
func (p *Proxy) appendSignedEntry(ctx context.Context, partial logentry.Entry) (logentry.Signed, error) {
	mu := p.lockFor(partial.FunctionID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := p.Store.GetLatestSequence(ctx, partial.FunctionID)
	if err != nil {
		return logentry.Signed{}, fmt.Errorf("proxy: get latest sequence: %w", err)
	}
	partial.Sequence = seq + 1
	partial.Timestamp = time.Now().UTC()
	if partial.InvocationID == "" {
		partial.InvocationID = p.currentInvocationID()
	}

	canon, err := logentry.CanonicalBytes(partial)
	if err != nil {
		return logentry.Signed{}, fmt.Errorf("proxy: canonicalize entry: %w", err)
	}
	sig, err := p.Signer.Sign(canon)
	if err != nil {
		// Signing is the audit primitive, so a failure here is fatal; the
		// proxy surfaces it to the caller, who decides whether to exit the
		// process after drain.
		return logentry.Signed{}, fmt.Errorf("proxy: sign error: %w", err)
	}
	signed := logentry.Signed{Entry: partial, Signature: base64.StdEncoding.EncodeToString(sig)}

	if err := p.Store.Append(ctx, signed); err != nil {
		return logentry.Signed{}, fmt.Errorf("proxy: log append failure: %w", err)
	}
	return signed, nil
}

// Start binds the proxy to addr (an OS-chosen ephemeral port when addr ends
// in ":0" or is empty) and begins serving in the background.
func (p *Proxy) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen: %w", err)
	}
	p.ln = ln
	p.listenAddr = ln.Addr().String()
	p.srv = &http.Server{Handler: p}

	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[proxy] serve error: %v", err)
		}
	}()
	return nil
}

// GetPort returns the TCP port the proxy is bound to.
func (p *Proxy) GetPort() int {
	if p.ln == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(p.ln.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// Stop closes the listener, then waits (until ctx is done) for in-flight
// requests to finish; it does not forcibly close active connections.
// Hijacked CONNECT tunnels are not tracked and are not waited for.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.srv == nil {
		return nil
	}
	return p.srv.Shutdown(ctx)
}

// ServeHTTP dispatches CONNECT tunnels and ordinary absolute-URI forward
// requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

func functionIDFromRequest(r *http.Request) string {
	if fid := r.Header.Get("X-Dshield-Function-Id"); fid != "" {
		return fid
	}
	return "default"
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func splitHostPort(hostport, defaultPort string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	return host, port
}

// handleForward implements the plain HTTP forward path.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "proxy: absolute-URI form required", http.StatusBadRequest)
		return
	}
	host, port := splitHostPort(r.URL.Host, "80")

	entry := logentry.Entry{
		Kind:       logentry.KindEgress,
		FunctionID: functionIDFromRequest(r),
		Method:     r.Method,
		Host:       host,
		Protocol:   "http",
		Path:       r.URL.RequestURI(),
	}
	if n, err := strconv.Atoi(port); err == nil {
		entry.Port = n
	}

	if _, err := p.appendSignedEntry(r.Context(), entry); err != nil {
		log.Printf("[proxy] log append failure: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 10*time.Second)
	if err != nil {
		log.Printf("[proxy] upstream unreachable: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	outReq := r.Clone(r.Context())
	stripHopByHop(outReq.Header)
	outReq.RequestURI = ""
	outReq.URL.Scheme = ""
	outReq.URL.Host = ""

	if err := outReq.Write(upstream); err != nil {
		log.Printf("[proxy] upstream write failed: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), outReq)
	if err != nil {
		log.Printf("[proxy] upstream response read failed: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleConnect implements the HTTPS tunnel path.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port := splitHostPort(r.Host, "443")

	entry := logentry.Entry{
		Kind:       logentry.KindEgress,
		FunctionID: functionIDFromRequest(r),
		Method:     http.MethodConnect,
		Host:       host,
		Protocol:   "https",
		Path:       "/",
	}
	if n, err := strconv.Atoi(port); err == nil {
		entry.Port = n
	}

	if _, err := p.appendSignedEntry(r.Context(), entry); err != nil {
		log.Printf("[proxy] log append failure: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	target, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 10*time.Second)
	if err != nil {
		log.Printf("[proxy] upstream unreachable: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer target.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "proxy: connection hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		log.Printf("[proxy] hijack failed: %v", err)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	splice(clientConn, target)
}

// splice bidirectionally copies bytes between client and server until
// either side closes; the proxy is intentionally blind to the TLS stream
// it carries.
func splice(client, server net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(server, client)
		if c, ok := server.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, server)
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}()
	wg.Wait()
}
