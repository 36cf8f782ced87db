// Command manifest-cache downloads Destiny manifest content databases and
// decodes definitions from them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/manifest-cache/backend"
	"github.com/wolfeidau/manifest-cache/config"
	"github.com/wolfeidau/manifest-cache/credentials"
	"github.com/wolfeidau/manifest-cache/credentials/opprovider"
	"github.com/wolfeidau/manifest-cache/ledger"
	"github.com/wolfeidau/manifest-cache/manifest"
	"github.com/wolfeidau/manifest-cache/recordcache"
	"github.com/wolfeidau/manifest-cache/telemetry"
	"github.com/wolfeidau/manifest-cache/upstream"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Environment first; flags override.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("manifest-cache"),
		kong.Description("Download Destiny manifest content databases and decode definitions."),
		kong.UsageOnError(),
		defaultVars(cfg),
	)

	cli.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := applyCredentials(ctx, &cfg, logger); err != nil {
		return err
	}

	shutdownMetrics, err := startMetrics(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return kctx.Run(a)
}

// applyCredentials overrides cfg with the values rendered from the
// credentials template, if one is configured.
func applyCredentials(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.CredentialsFile == "" {
		return nil
	}
	r := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(),
	)
	creds, err := r.ResolveFile(ctx, cfg.CredentialsFile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	if creds.APIKey != "" {
		cfg.APIKey = creds.APIKey
	}
	if creds.RedisURL != "" {
		cfg.RedisURL = creds.RedisURL
	}
	return nil
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    os.Getenv("NO_COLOR") != "",
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

// startMetrics initializes metrics when an exporter is configured and serves
// /metrics on the metrics address. The returned function stops both.
func startMetrics(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.MetricsAddr == "" && cfg.OTLPEndpoint == "" {
		return noop, nil
	}

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "manifest-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.OTLPEndpoint,
		EnablePrometheus: cfg.MetricsAddr != "",
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	if cfg.MetricsAddr == "" {
		return shutdown, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("listening on %s: %w", cfg.MetricsAddr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", ln.Addr().String())

	return func(ctx context.Context) error {
		return errors.Join(srv.Shutdown(ctx), shutdown(ctx))
	}, nil
}

// app holds the wired components the commands run against.
type app struct {
	ctx     context.Context
	cfg     config.Config
	logger  *slog.Logger
	backend backend.Backend
	cache   *manifest.Cache
	decoder *manifest.Decoder
	ledger  *ledger.Ledger
	records *recordcache.Redis
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	fs, err := backend.NewFilesystem(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	b := backend.Instrument(fs, "filesystem")

	up := upstream.New(
		upstream.WithBaseURL(cfg.BaseURL),
		upstream.WithAPIKey(cfg.APIKey),
		upstream.WithHTTPClient(&http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: telemetry.NewTransport(nil),
		}),
	)

	a := &app{ctx: ctx, cfg: cfg, logger: logger, backend: b}

	cacheOpts := []manifest.Option{
		manifest.WithLogger(logger.With("component", "manifest")),
		manifest.WithDownloadTimeout(cfg.DownloadTimeout),
	}
	if path := cfg.LedgerFile(); path != "" {
		l, err := ledger.Open(path, ledger.WithLogger(logger.With("component", "ledger")))
		if err != nil {
			return nil, err
		}
		a.ledger = l
		cacheOpts = append(cacheOpts, manifest.WithLedger(l))
	}
	a.cache = manifest.New(b, up, cacheOpts...)

	var decoderOpts []manifest.DecoderOption
	if cfg.RedisURL != "" {
		rc, err := recordcache.Dial(ctx, cfg.RedisURL,
			recordcache.WithTTL(cfg.RedisTTL),
			recordcache.WithKeyPrefix(cfg.RedisKeyPrefix),
			recordcache.WithLogger(logger.With("component", "recordcache")),
		)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.records = rc
		decoderOpts = append(decoderOpts, manifest.WithRecordCache(rc))
	}
	a.decoder = manifest.NewDecoder(a.cache, decoderOpts...)

	return a, nil
}

// Close releases the ledger and record cache.
func (a *app) Close() {
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			a.logger.Warn("closing record cache failed", "error", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("closing ledger failed", "error", err)
		}
	}
}
