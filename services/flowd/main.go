package flowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"rootbot/assets"
	"rootbot/crypto"
	"rootbot/flow"
	"rootbot/ledger"
	"rootbot/ledger/evm"
	"rootbot/observability"
	"rootbot/observability/logging"
	telemetry "rootbot/observability/otel"
	"rootbot/session"
	"rootbot/settlement"
	"rootbot/wallet"
)

// PassphraseFunc resolves the keystore passphrase when the configuration does
// not carry one. envVar is the configured passphrase_env, possibly empty.
type PassphraseFunc func(envVar string) (string, error)

type mainOptions struct {
	passphrase PassphraseFunc
}

// MainOption customises Main.
type MainOption func(*mainOptions)

// WithPassphrase sets how the keystore passphrase is obtained interactively.
func WithPassphrase(fn PassphraseFunc) MainOption {
	return func(o *mainOptions) { o.passphrase = fn }
}

// Main initialises and runs the flow daemon.
func Main(opts ...MainOption) error {
	options := mainOptions{passphrase: passphraseFromEnv}
	for _, opt := range opts {
		opt(&options)
	}

	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "services/flowd/config.yaml", "path to flowd configuration")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ROOTBOT_ENV"))
	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Logging.Level))}
	if file := cfg.Logging.LogFile(); file.Path != "" {
		logOpts = append(logOpts, logging.WithFile(file))
	}
	logger := logging.Setup("flowd", env, logOpts...)

	shutdownTelemetry, err := initTelemetry(env, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	registry := assets.Default()
	if path := strings.TrimSpace(cfg.AssetsPath); path != "" {
		registry, err = assets.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load assets: %w", err)
		}
	}

	passphrase := cfg.Wallet.Passphrase
	if passphrase == "" {
		passphrase, err = options.passphrase(cfg.Wallet.PassphraseEnv)
		if err != nil {
			return fmt.Errorf("wallet passphrase: %w", err)
		}
	}
	walletOpts := []wallet.Option{}
	if cfg.Wallet.LightScrypt {
		walletOpts = append(walletOpts, wallet.WithScrypt(crypto.LightScryptN, crypto.LightScryptP))
	}
	keystore, err := wallet.Open(cfg.Wallet.Path, passphrase, walletOpts...)
	if err != nil {
		return fmt.Errorf("open wallet store: %w", err)
	}
	defer func() { _ = keystore.Close() }()

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := evm.Dial(dialCtx, cfg.Ledger.Endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	defer client.Close()

	staking, dex := cfg.Ledger.Addresses()
	calls := evm.NewCalls(registry, staking, dex)
	evmGateway, err := evm.New(client,
		evm.WithRegistry(registry),
		evm.WithCalls(calls),
		evm.WithNativeDecimals(cfg.Ledger.NativeDecimals),
		evm.WithConfirmations(cfg.Ledger.Confirmations),
		evm.WithPollInterval(cfg.Ledger.PollInterval.Duration),
		evm.WithInclusionTimeout(cfg.Ledger.InclusionTimeout.Duration),
		evm.WithGasHeadroom(cfg.Ledger.GasHeadroomPct),
		evm.WithLogger(logger.With(slog.String("component", "ledger"))),
	)
	if err != nil {
		return fmt.Errorf("init ledger gateway: %w", err)
	}
	metrics := observability.Flowd()
	gateway := ledger.NewResilient(evmGateway,
		ledger.WithRetryPolicy(ledger.RetryPolicy{
			Attempts:       cfg.Ledger.Retry.Attempts,
			InitialBackoff: cfg.Ledger.Retry.InitialBackoff.Duration,
			MaxBackoff:     cfg.Ledger.Retry.MaxBackoff.Duration,
			CallTimeout:    cfg.Ledger.Retry.CallTimeout.Duration,
			SubmitTimeout:  cfg.Ledger.Retry.SubmitTimeout.Duration,
		}),
		ledger.WithGatewayMetrics(metrics),
		ledger.WithGatewayLogger(logger),
	)

	store := session.NewStore(
		session.WithIdleTimeout(cfg.Sessions.IdleTimeout.Duration),
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	)

	hub := NewHub(logger)
	tracker, err := settlement.NewTracker(gateway, keystore,
		settlement.WithNotifier(hub),
		settlement.WithFinalityTimeout(cfg.Settlement.FinalityTimeout.Duration),
		settlement.WithLogger(logger),
		settlement.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}

	router, err := flow.NewRouter(flow.Dependencies{
		Store:    store,
		Registry: registry,
		Gateway:  gateway,
		Calls:    calls,
		Wallets:  keystore,
		Executor: tracker,
	}, flow.WithConfig(cfg.FlowParams()), flow.WithLogger(logger), flow.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	limiter := NewRateLimiter(cfg.RateLimit.EventsPerMinute, cfg.RateLimit.Burst)
	server := NewServer(router, keystore, hub,
		WithAuthenticator(NewAuthenticator(cfg.Auth, logger)),
		WithRateLimiter(limiter),
		WithServerLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go store.Run(stopCtx, cfg.Sessions.SweepInterval.Duration)
	go pruneVisitors(stopCtx, limiter, cfg.Sessions.IdleTimeout.Duration)

	errs := make(chan error, 1)
	go func() {
		logger.Info("flowd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	if err := tracker.Shutdown(shutdownCtx); err != nil {
		logger.Warn("finality trackers still running at shutdown", slog.Any("error", err))
	}
	return runErr
}

func initTelemetry(env string, cfg TelemetryConfig) (telemetry.ShutdownFunc, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	if endpoint == "" || (!cfg.Traces && !cfg.Metrics) {
		return nil, nil
	}
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	insecure := cfg.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "flowd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     headers,
		Metrics:     cfg.Metrics,
		Traces:      cfg.Traces,
		SampleRatio: cfg.SampleRatio,
	})
}

func pruneVisitors(ctx context.Context, limiter *RateLimiter, idle time.Duration) {
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune(idle)
		}
	}
}

func passphraseFromEnv(envVar string) (string, error) {
	if envVar == "" {
		return "", errors.New("no passphrase configured")
	}
	value, ok := os.LookupEnv(envVar)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s is not set", envVar)
	}
	return value, nil
}
