package intercept

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// startGatewayProxy runs a proxy in gateway mode on an ephemeral port and
// returns an HTTP client whose connections terminate at it while trusting
// the proxy's CA for any SNI.
func startGatewayProxy(t *testing.T, gatewayURL string) (*Proxy, *http.Client) {
	t.Helper()
	proxy, err := NewProxy(Options{
		Listen:        "127.0.0.1:0",
		GatewayURL:    gatewayURL,
		CADir:         t.TempDir(),
		LeafCacheSize: 8,
	})
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := proxy.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(proxy.CA().CertPEM()) {
		t.Fatal("CA pem rejected")
	}
	addr := proxy.Addr().String()
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			// Every hostname lands on the proxy, like a poisoned hosts file.
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
	}
	return proxy, client
}

func TestGatewayModeRelaysRPC(t *testing.T) {
	var gotPath, gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "relayed-ok")
	}))
	defer backend.Close()

	_, client := startGatewayProxy(t, backend.URL)

	resp, err := client.Post(
		"https://server.codeium.com/exa.api_server_pb.ApiServerService/Ping",
		"application/proto", strings.NewReader("rpc-bytes"))
	if err != nil {
		t.Fatalf("post through proxy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	reply, _ := io.ReadAll(resp.Body)
	if string(reply) != "relayed-ok" {
		t.Errorf("reply: got %q", reply)
	}
	if gotPath != "/exa.api_server_pb.ApiServerService/Ping" {
		t.Errorf("backend path: got %q", gotPath)
	}
	if gotBody != "rpc-bytes" {
		t.Errorf("backend body: got %q", gotBody)
	}
}

func TestGatewayModeRejectsNonRPC(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend reached for non-rpc path")
	}))
	defer backend.Close()

	_, client := startGatewayProxy(t, backend.URL)

	resp, err := client.Get("https://server.codeium.com/not-platform")
	if err != nil {
		t.Fatalf("get through proxy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestProxyMintsPerSNI(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	proxy, client := startGatewayProxy(t, backend.URL)

	for _, host := range []string{"server.codeium.com", "inference.codeium.com"} {
		resp, err := client.Post("https://"+host+"/exa.x/Y", "application/proto", strings.NewReader("x"))
		if err != nil {
			t.Fatalf("post to %s: %v", host, err)
		}
		resp.Body.Close()
	}
	for _, host := range []string{"server.codeium.com", "inference.codeium.com"} {
		if _, ok := proxy.leaves.cache.Get(host); !ok {
			t.Errorf("no cached leaf for %s", host)
		}
	}
}

func TestProxyModeSelection(t *testing.T) {
	p, err := NewProxy(Options{Listen: "127.0.0.1:0", CADir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	if p.Mode() != ModePassthrough {
		t.Errorf("empty gateway url: got %s, want passthrough", p.Mode())
	}
	p, err = NewProxy(Options{Listen: "127.0.0.1:0", CADir: t.TempDir(), GatewayURL: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	if p.Mode() != ModeGateway {
		t.Errorf("gateway url set: got %s, want gateway", p.Mode())
	}
}
