package intercept

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/logging"
)

// HostsHelper mutates the OS hosts file on the controller's behalf. The
// proxy process never edits hosts itself; an elevated external helper owns
// that, and the controller only verifies the redirection took effect.
type HostsHelper interface {
	// Redirect maps the given hostnames to loopback.
	Redirect(hosts []string) error
	// Revert removes the mapping added by Redirect.
	Revert() error
	// Applied reports whether the mapping is currently in place.
	Applied() (bool, error)
}

// ControlStatus is the answer to the host UI's status query.
type ControlStatus struct {
	HostsApplied bool   `json:"hostsApplied"`
	ProxyRunning bool   `json:"proxyRunning"`
	Mode         Mode   `json:"mode,omitempty"`
	ListenAddr   string `json:"listenAddr,omitempty"`
}

// Controller implements the five-operation lifecycle contract the host UI
// drives: initialize, run, stop, restore, status.
type Controller struct {
	helper HostsHelper
	hosts  []string
	opts   Options

	// lookupHost is swappable for tests.
	lookupHost func(host string) ([]string, error)

	mu     sync.Mutex
	proxy  *Proxy
	cancel context.CancelFunc
}

// NewController builds a controller for the given platform hostnames.
func NewController(helper HostsHelper, hosts []string, opts Options) *Controller {
	return &Controller{
		helper:     helper,
		hosts:      hosts,
		opts:       opts,
		lookupHost: net.LookupHost,
	}
}

// Initialize asks the helper to redirect the platform hosts to loopback and
// verifies the mapping is effective.
func (c *Controller) Initialize() error {
	if err := c.helper.Redirect(c.hosts); err != nil {
		return fmt.Errorf("intercept: hosts redirect: %w", err)
	}
	if err := c.verifyLoopback(); err != nil {
		return err
	}
	logging.Info("hosts redirection applied", zap.Strings("hosts", c.hosts))
	return nil
}

// Run starts the proxy. A non-empty gatewayURL selects gateway mode;
// otherwise connections pass through to the real platform.
func (c *Controller) Run(gatewayURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxy != nil {
		return fmt.Errorf("intercept: proxy already running")
	}

	opts := c.opts
	opts.GatewayURL = gatewayURL
	proxy, err := NewProxy(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := proxy.Start(ctx); err != nil {
		cancel()
		return err
	}
	c.proxy = proxy
	c.cancel = cancel
	return nil
}

// Stop terminates the proxy, leaving the hosts redirection in place.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxy == nil {
		return nil
	}
	c.cancel()
	err := c.proxy.Close()
	c.proxy = nil
	c.cancel = nil
	return err
}

// Restore stops the proxy and reverts the hosts file.
func (c *Controller) Restore() error {
	if err := c.Stop(); err != nil {
		return err
	}
	if err := c.helper.Revert(); err != nil {
		return fmt.Errorf("intercept: hosts revert: %w", err)
	}
	logging.Info("hosts redirection reverted")
	return nil
}

// Status reports the hosts state and whether the proxy is serving.
func (c *Controller) Status() (ControlStatus, error) {
	applied, err := c.helper.Applied()
	if err != nil {
		return ControlStatus{}, err
	}
	st := ControlStatus{HostsApplied: applied}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxy != nil {
		st.ProxyRunning = true
		st.Mode = c.proxy.Mode()
		if addr := c.proxy.Addr(); addr != nil {
			st.ListenAddr = addr.String()
		}
	}
	return st, nil
}

// verifyLoopback resolves every captured host through the system resolver
// and fails if any does not land on loopback.
func (c *Controller) verifyLoopback() error {
	var missing []string
	for _, host := range c.hosts {
		addrs, err := c.lookupHost(host)
		if err != nil {
			missing = append(missing, host)
			continue
		}
		found := false
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.IsLoopback() {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, host)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("intercept: hosts not mapped to loopback: %s", strings.Join(missing, ", "))
	}
	return nil
}
