package intercept

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/logging"
)

// Mode selects what happens to an intercepted connection.
type Mode string

const (
	// ModePassthrough splices bytes to the real platform, resolved through
	// the bypass DNS server so the local hosts redirection is not followed.
	ModePassthrough Mode = "passthrough"
	// ModeGateway re-issues each RPC against the gateway, preserving the
	// platform RPC path.
	ModeGateway Mode = "gateway"
)

// rpcPrefix marks paths relayed in gateway mode. Anything else on the
// intercepted connection is not platform traffic.
const rpcPrefix = "/exa."

// Options configures a Proxy.
type Options struct {
	Listen        string // TLS listen address, default ":443"
	GatewayURL    string // non-empty selects gateway mode
	CADir         string
	BypassDNS     string // external resolver addr, default 8.8.8.8:53
	LeafCacheSize int
}

// Proxy is the local TLS terminator. It accepts any SNI, minting a leaf
// from the persisted CA on demand.
type Proxy struct {
	opts   Options
	ca     *CA
	leaves *leafMinter
	dialer *net.Dialer
	client *http.Client

	mu sync.Mutex
	ln net.Listener
}

// NewProxy loads (or creates) the CA and prepares the bypass dialer.
func NewProxy(opts Options) (*Proxy, error) {
	if opts.Listen == "" {
		opts.Listen = ":443"
	}
	if opts.BypassDNS == "" {
		opts.BypassDNS = "8.8.8.8:53"
	}
	ca, err := LoadOrCreateCA(opts.CADir)
	if err != nil {
		return nil, err
	}
	leaves, err := newLeafMinter(ca, opts.LeafCacheSize)
	if err != nil {
		return nil, err
	}

	// The host's resolver is poisoned on purpose (that is the whole point
	// of the interception); upstream lookups must go around it.
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, opts.BypassDNS)
		},
	}
	return &Proxy{
		opts:   opts,
		ca:     ca,
		leaves: leaves,
		dialer: &net.Dialer{Timeout: 10 * time.Second, Resolver: resolver},
		client: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// Mode reports how intercepted connections are handled.
func (p *Proxy) Mode() Mode {
	if p.opts.GatewayURL != "" {
		return ModeGateway
	}
	return ModePassthrough
}

// CA exposes the issuing authority, e.g. to print the trust anchor.
func (p *Proxy) CA() *CA {
	return p.ca
}

// Addr returns the bound listen address once Start has succeeded.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Start binds the TLS listener and serves until ctx is cancelled.
func (p *Proxy) Start(ctx context.Context) error {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = "localhost"
			}
			return p.leaves.leafFor(host)
		},
	}
	ln, err := tls.Listen("tcp", p.opts.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("intercept: listen %s: %w", p.opts.Listen, err)
	}
	p.mu.Lock()
	p.ln = ln
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.Close()
	}()

	mode := p.Mode()
	logging.Info("interception proxy listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("mode", string(mode)))

	if mode == ModeGateway {
		srv := &http.Server{
			Handler:           http.HandlerFunc(p.relayToGateway),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		go srv.Serve(ln)
		return nil
	}

	go p.acceptPassthrough(ctx, ln)
	return nil
}

// Close stops the listener. In-flight splices finish on their own.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	err := p.ln.Close()
	p.ln = nil
	return err
}

// --- gateway mode ----------------------------------------------------------

// relayToGateway re-issues a platform RPC against the gateway, path intact.
// The gateway does credential splicing; the proxy forwards the body as-is.
func (p *Proxy) relayToGateway(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, rpcPrefix) {
		http.NotFound(w, r)
		return
	}

	target := strings.TrimRight(p.opts.GatewayURL, "/") + r.URL.Path
	outReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, r.Body)
	if err != nil {
		http.Error(w, "relay build failed", http.StatusInternalServerError)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Connection")

	resp, err := p.client.Do(outReq)
	if err != nil {
		logging.Warn("gateway relay failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "gateway unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

// --- passthrough mode ------------------------------------------------------

func (p *Proxy) acceptPassthrough(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("intercept accept failed", zap.Error(err))
			return
		}
		go p.splice(ctx, conn.(*tls.Conn))
	}
}

// splice completes the client handshake to learn the SNI, dials the real
// platform through the bypass resolver and copies bytes both ways.
func (p *Proxy) splice(ctx context.Context, client *tls.Conn) {
	defer client.Close()

	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := client.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		logging.Debug("intercept handshake failed", zap.Error(err))
		return
	}
	sni := client.ConnectionState().ServerName
	if sni == "" {
		return
	}

	upstream, err := tls.DialWithDialer(p.dialer, "tcp",
		net.JoinHostPort(sni, "443"), &tls.Config{ServerName: sni, MinVersion: tls.VersionTLS12})
	if err != nil {
		logging.Warn("passthrough dial failed", zap.String("sni", sni), zap.Error(err))
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, client)
		upstream.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		client.CloseWrite()
		done <- struct{}{}
	}()
	<-done
	<-done
}
