// Package proxy implements the per-sandbox egress proxy: an allow-listed
// HTTP/CONNECT forward proxy that injects AWS SigV4 credentials for
// bedrock-runtime calls so sandboxes never hold real AWS secrets.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/terusibata/workspace-sandbox/internal/allowlist"
	"github.com/terusibata/workspace-sandbox/internal/audit"
	"github.com/terusibata/workspace-sandbox/internal/dnscache"
	"github.com/terusibata/workspace-sandbox/internal/metrics"
	"github.com/terusibata/workspace-sandbox/internal/signer"
)

const (
	forwardTimeout = 60 * time.Second
	connectTimeout = 10 * time.Second
	pipeBufferSize = 65536
)

// Config configures an EgressProxy.
type Config struct {
	Allowlist   *allowlist.Allowlist
	DNSCache    *dnscache.Cache
	Signer      *signer.Signer
	Credentials signer.Credentials
	// SandboxID labels metrics and logs for this sandbox's proxy.
	SandboxID string
}

// EgressProxy is a forward proxy bound to a single listener (one per
// sandbox). It accepts both CONNECT tunnels and plain forward requests,
// enforcing the domain allowlist on both paths.
type EgressProxy struct {
	cfg      Config
	server   *http.Server
	listener net.Listener
	client   *http.Client
}

// New creates an EgressProxy. ListenAndServe still needs to be called (or
// the caller can supply its own net.Listener via Serve).
func New(cfg Config) *EgressProxy {
	return &EgressProxy{
		cfg: cfg,
		client: &http.Client{
			Timeout: forwardTimeout,
			// bedrock/anthropic responses are signed and must not be
			// transparently redirected to an unsigned location.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ListenAndServe binds addr on network ("tcp" with host:port, or "unix"
// with a socket path) and serves until the context is cancelled.
func (p *EgressProxy) ListenAndServe(ctx context.Context, network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("egress proxy listen: %w", err)
	}
	return p.Serve(ctx, ln)
}

// Serve runs the proxy on an already-created listener.
func (p *EgressProxy) Serve(ctx context.Context, ln net.Listener) error {
	p.listener = ln
	p.server = &http.Server{
		Handler: p,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop gracefully shuts the proxy down.
func (p *EgressProxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler, dispatching CONNECT tunnels
// separately from plain forwarded requests.
func (p *EgressProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

func (p *EgressProxy) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	targetURL := r.URL.String()
	if !r.URL.IsAbs() {
		// Plain-HTTP forward proxy requests arrive with an absolute
		// request-URI; tolerate relative ones from naive clients too.
		targetURL = "http://" + r.Host + r.URL.RequestURI()
	}

	if !p.cfg.Allowlist.IsAllowed(targetURL) {
		metrics.ProxyBlockedTotal.WithLabelValues(p.cfg.SandboxID).Inc()
		slog.Warn("proxy: domain rejected", "method", r.Method, "url", targetURL, "sandbox", p.cfg.SandboxID)
		audit.ProxyRequestBlocked(audit.ProxyRequestBlockedEvent{
			ContainerID: p.cfg.SandboxID,
			Method:      r.Method,
			URL:         targetURL,
		})
		http.Error(w, "Domain not in whitelist", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, strings.NewReader(string(body)))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	outReq.Header = r.Header.Clone()

	if strings.Contains(outReq.URL.Hostname(), "bedrock-runtime") && p.cfg.Signer != nil {
		if err := p.cfg.Signer.Sign(outReq, p.cfg.Credentials, body, time.Now()); err != nil {
			slog.Error("proxy: sigv4 signing failed", "url", targetURL, "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
	}

	slog.Info("proxy: forwarding", "method", r.Method, "url", targetURL, "sandbox", p.cfg.SandboxID)

	resp, err := p.client.Do(outReq)
	status := 0
	if err == nil {
		status = resp.StatusCode
	}
	defer func() {
		metrics.ProxyRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		slog.Info("proxy: completed", "method", r.Method, "url", targetURL,
			"duration_ms", time.Since(start).Milliseconds(), "status", status)
		if status != 0 {
			audit.ProxyRequestAllowed(audit.ProxyRequestAllowedEvent{
				ContainerID: p.cfg.SandboxID,
				Method:      r.Method,
				URL:         targetURL,
				Status:      status,
				DurationMS:  time.Since(start).Milliseconds(),
			})
		}
	}()

	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			slog.Error("proxy: timeout", "method", r.Method, "url", targetURL)
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
			return
		}
		slog.Error("proxy: forward error", "method", r.Method, "url", targetURL, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (p *EgressProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := r.URL.Hostname()
	if host == "" {
		host = allowlist.HostOf(r.Host)
	}
	dummyURL := "https://" + host + "/"

	if !p.cfg.Allowlist.IsAllowed(dummyURL) {
		metrics.ProxyBlockedTotal.WithLabelValues(p.cfg.SandboxID).Inc()
		slog.Warn("proxy: CONNECT rejected", "host", r.Host, "sandbox", p.cfg.SandboxID)
		audit.ProxyRequestBlocked(audit.ProxyRequestBlockedEvent{
			ContainerID: p.cfg.SandboxID,
			Method:      http.MethodConnect,
			URL:         dummyURL,
		})
		http.Error(w, "Domain not in whitelist", http.StatusForbidden)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		slog.Error("proxy: hijack failed", "error", err)
		return
	}
	defer clientConn.Close()

	targetHost, targetPort, err := net.SplitHostPort(r.Host)
	if err != nil {
		targetHost, targetPort = r.Host, "443"
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	resolved, err := p.cfg.DNSCache.Resolve(ctx, targetHost)
	connectHost := targetHost
	if err == nil && len(resolved) > 0 {
		connectHost = resolved[0]
	}

	remoteConn, err := net.DialTimeout("tcp", net.JoinHostPort(connectHost, targetPort), connectTimeout)
	if err != nil {
		slog.Error("proxy: CONNECT dial failed", "host", r.Host, "error", err)
		fmt.Fprintf(clientConn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer remoteConn.Close()

	slog.Info("proxy: CONNECT established", "host", r.Host, "sandbox", p.cfg.SandboxID)
	fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n")

	errCh := make(chan error, 2)
	go pipe(remoteConn, clientBuf, errCh)
	go pipe(clientConn, bufio.NewReader(remoteConn), errCh)
	<-errCh

	metrics.ProxyRequestDuration.WithLabelValues(http.MethodConnect).Observe(time.Since(start).Seconds())
	audit.ProxyRequestAllowed(audit.ProxyRequestAllowedEvent{
		ContainerID: p.cfg.SandboxID,
		Method:      http.MethodConnect,
		URL:         dummyURL,
		Status:      http.StatusOK,
		DurationMS:  time.Since(start).Milliseconds(),
	})
}

func pipe(dst io.Writer, src io.Reader, errCh chan<- error) {
	buf := make([]byte, pipeBufferSize)
	_, err := io.CopyBuffer(dst, src, buf)
	errCh <- err
}
