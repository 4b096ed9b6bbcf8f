package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/config"
	"github.com/wavelab/surfgate/internal/intercept"
	"github.com/wavelab/surfgate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// interceptd is the proxy child the host UI launches via the lifecycle
// contract's run operation. Hosts-file changes stay with the elevated
// helper; this process only terminates TLS and relays.
func main() {
	configPath := flag.String("config", "configs/surfgate.yaml", "Path to configuration file")
	gatewayURL := flag.String("gateway-url", "", "Gateway base URL (empty selects passthrough mode)")
	listen := flag.String("listen", "", "Listen address override")
	printCA := flag.Bool("print-ca", false, "Print the CA certificate PEM and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("interceptd %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	opts := intercept.Options{
		Listen:        cfg.Intercept.Listen,
		GatewayURL:    cfg.Intercept.GatewayURL,
		CADir:         cfg.Intercept.CADir,
		BypassDNS:     cfg.Intercept.BypassDNS,
		LeafCacheSize: cfg.Intercept.LeafCacheSize,
	}
	if *gatewayURL != "" {
		opts.GatewayURL = *gatewayURL
	}
	if *listen != "" {
		opts.Listen = *listen
	}

	proxy, err := intercept.NewProxy(opts)
	if err != nil {
		logging.Error("Failed to create interception proxy", zap.Error(err))
		os.Exit(1)
	}

	if *printCA {
		os.Stdout.Write(proxy.CA().CertPEM())
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := proxy.Start(ctx); err != nil {
		logging.Error("Failed to start interception proxy", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("Starting interceptd",
		zap.String("version", version),
		zap.String("mode", string(proxy.Mode())),
		zap.String("listen", opts.Listen),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info("interceptd shutting down")
	cancel()
	proxy.Close()
}
