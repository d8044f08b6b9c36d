package main

import (
	"cmp"
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/clambin/lightstream/internal/collector"
	"github.com/clambin/lightstream/internal/health"
	"github.com/clambin/lightstream/lightstreamer"
	"github.com/clambin/lightstream/lightstreamer/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	addr       = flag.String("addr", ":9090", "prometheus metrics address")
	configFile = flag.String("config", "", "feeds configuration file (yaml)")
	debug      = flag.Bool("debug", false, "log debug messages")
)

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var opts slog.HandlerOptions
	if *debug {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &opts))

	cfg := collector.DefaultConfig()
	if *configFile != "" {
		f, err := os.Open(*configFile)
		if err != nil {
			logger.Error("failed to open configuration", "err", err)
			os.Exit(1)
		}
		cfg, err = collector.LoadConfig(f)
		_ = f.Close()
		if err != nil {
			logger.Error("failed to load configuration", "err", err)
			os.Exit(1)
		}
	}

	httpClient := http.DefaultClient
	if *debug {
		httpClient = &http.Client{Transport: util.LoggingRoundTripper{Next: http.DefaultTransport, Logger: logger}}
	}

	session, err := lightstreamer.NewClientSession(ctx,
		lightstreamer.WithServerURL(cmp.Or(cfg.ServerURL, lightstreamer.DefaultServerURL)),
		lightstreamer.WithAdapterSet(cfg.AdapterSet),
		lightstreamer.WithCID(cfg.CID),
		lightstreamer.WithHTTPClient(httpClient),
		lightstreamer.WithLogger(logger),
		lightstreamer.WithMetrics(prometheus.DefaultRegisterer),
	)
	if err != nil {
		logger.Error("failed to connect", "err", err)
		os.Exit(1)
	}

	c, err := collector.New(ctx, session, cfg, logger)
	if err != nil {
		logger.Error("failed to subscribe", "err", err)
		os.Exit(1)
	}
	prometheus.MustRegister(c)

	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/health", health.Handler(session))
	go func() {
		if err := http.ListenAndServe(*addr, nil); err != nil {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	select {
	case <-ctx.Done():
		session.Disconnect()
		<-session.Done()
	case <-session.Done():
		logger.Error("session ended", "err", session.Err())
		os.Exit(1)
	}
}
