// ABOUTME: Entry point for mission-control, the phone and SMS front door to a remote agent
// ABOUTME: Loads config, wires the gateway client, call machine, SMS correlator, and HTTP surface

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/mission-control/internal/api"
	"github.com/2389/mission-control/internal/auth"
	"github.com/2389/mission-control/internal/calls"
	"github.com/2389/mission-control/internal/config"
	"github.com/2389/mission-control/internal/correlator"
	"github.com/2389/mission-control/internal/costguard"
	"github.com/2389/mission-control/internal/dedupe"
	"github.com/2389/mission-control/internal/gateway"
	"github.com/2389/mission-control/internal/llm"
	"github.com/2389/mission-control/internal/mission"
	"github.com/2389/mission-control/internal/notify"
	"github.com/2389/mission-control/internal/store"
	"github.com/2389/mission-control/internal/telnyx"
	"github.com/2389/mission-control/internal/webhook"
)

// Version is set at build time.
var version = "dev"

const banner = `
           _         _                                  _             _
 _ __ ___ (_)___ ___(_) ___  _ __         ___ ___  _ __ | |_ _ __ ___ | |
| '_ ' _ \| / __/ __| |/ _ \| '_ \ _____ / __/ _ \| '_ \| __| '__/ _ \| |
| | | | | | \__ \__ \ | (_) | | | |_____| (_| (_) | | | | |_| | | (_) | |
|_| |_| |_|_|___/___/_|\___/|_| |_|      \___\___/|_| |_|\__|_|  \___/|_|
`

const (
	shutdownTimeout = 10 * time.Second
	jwtTTL          = time.Hour
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mission-control <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the server")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.ResolvePath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// values in .env feed ${VAR} expansion; the file is optional
	envLoaded := godotenv.Load() == nil

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	printStartup(configPath, cfg)
	if envLoaded {
		logger.Debug("loaded .env")
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	return app.run(ctx)
}

func printStartup(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	line("Gateway", cfg.Gateway.URL)
	line("Database", cfg.Database.Path)
	line("SMS mode", cfg.SMS.ReplyMode)

	green.Print("    ▶ ")
	fmt.Printf("%-10s ", "Voice:")
	if cfg.Telnyx.VoiceEnabled {
		cyan := color.New(color.FgCyan)
		cyan.Print("enabled")
	} else {
		gray.Print("disabled")
	}
	if cfg.Telnyx.PublicKey == "" {
		yellow.Print(" [unsigned webhooks]")
	}
	fmt.Println()
	fmt.Println()
}

// app holds the wired components for one serve run.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.SQLiteStore
	gateway    *gateway.Client
	correlator *correlator.Correlator
	mission    *mission.Service
	events     *notify.Broadcaster
	server     *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	settings := config.NewSettings(cfg)
	if err := settings.Load(ctx, st); err != nil {
		st.Close()
		return nil, err
	}

	pricing := costguard.Pricing{
		InputPerMillion:  cfg.Cost.InputPerMillion,
		OutputPerMillion: cfg.Cost.OutputPerMillion,
	}
	if pricing == (costguard.Pricing{}) {
		pricing = costguard.DefaultPricing()
	}
	guard := costguard.New(settings.DailyLimit(),
		costguard.WithPricing(pricing),
		costguard.WithLogger(logger),
	)
	settings.OnChange(func(key string) {
		if key == config.KeyDailyCostLimit {
			guard.SetDailyLimit(settings.DailyLimit())
		}
	})

	gwOpts := []gateway.Option{gateway.WithLogger(logger)}
	tokens, err := tokenSource(cfg.Gateway)
	if err != nil {
		st.Close()
		return nil, err
	}
	if tokens != nil {
		gwOpts = append(gwOpts, gateway.WithTokenSource(tokens))
	}
	gw := gateway.New(gateway.Config{
		URL:         cfg.Gateway.URL,
		ClientID:    cfg.Gateway.ClientID,
		DisplayName: cfg.Gateway.DisplayName,
		Version:     version,
		Role:        cfg.Gateway.Role,
		Scopes:      cfg.Gateway.Scopes,
	}, guard, gwOpts...)

	generator := llm.NewClient(llm.Config{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		SystemPrompt: cfg.LLM.SystemPrompt,
	}, nil, logger)

	phone := telnyx.NewClient(telnyx.Config{
		APIKey:        cfg.Telnyx.APIKey,
		BaseURL:       cfg.Telnyx.APIBase,
		PhoneNumber:   cfg.Telnyx.PhoneNumber,
		Voice:         cfg.Telnyx.Voice,
		Language:      cfg.Telnyx.Language,
		GatherTimeout: cfg.Telnyx.GatherTimeout,
	}, nil, logger)

	events := notify.New(logger)

	registry := calls.NewRegistry()
	machine := calls.NewMachine(registry, phone, generator, st, settings,
		calls.WithNotifier(events),
		calls.WithLogger(logger),
	)

	corr := correlator.New(correlator.Config{
		Mode:         cfg.SMS.ReplyMode,
		SessionKey:   cfg.Gateway.SMSSessionKey,
		ClaimTTL:     cfg.SMS.ClaimTTL,
		IdleFlush:    cfg.SMS.IdleFlush,
		HistoryDepth: settings.HistoryDepth,
	}, gw, phone, generator, st,
		correlator.WithNotifier(events),
		correlator.WithLimitCheck(guard.LimitReached),
		correlator.WithLogger(logger),
	)

	svc := mission.New(mission.Config{
		SMSSessionKey: cfg.Gateway.SMSSessionKey,
		Pricing:       pricing,
	}, gw, guard, st, events, logger)
	svc.AddReporter(func() (string, any) { return "active_calls", registry.Len() })
	svc.AddReporter(func() (string, any) { return "pending_sms", len(corr.Pending()) })
	svc.AddReporter(func() (string, any) { return "subscribers", events.Count() })

	gw.OnEvent(svc.HandleEvent)
	gw.OnEvent(corr.HandleEvent)

	// left as a nil interface when unsigned
	var verifier webhook.Verifier
	if cfg.Telnyx.PublicKey != "" {
		v, err := telnyx.NewVerifier(cfg.Telnyx.PublicKey, telnyx.DefaultTolerance)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("telnyx public key: %w", err)
		}
		verifier = v
	}
	hooks := webhook.New(machine, corr, verifier, dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize), logger)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/telnyx", hooks)
	api.New(api.Deps{
		Mission:  svc,
		Store:    st,
		Settings: settings,
		Calls:    machine,
		Events:   events,
	}, logger).Register(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		gateway:    gw,
		correlator: corr,
		mission:    svc,
		events:     events,
		server: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// tokenSource picks the gateway bearer credential. Neither configured is fine.
func tokenSource(cfg config.GatewayConfig) (gateway.TokenSource, error) {
	switch {
	case cfg.Token != "":
		return auth.Static(cfg.Token), nil
	case cfg.JWTSecret != "":
		src, err := auth.NewJWTSource([]byte(cfg.JWTSecret), cfg.ClientID, cfg.Scopes, jwtTTL)
		if err != nil {
			return nil, fmt.Errorf("gateway jwt: %w", err)
		}
		return src, nil
	default:
		return nil, nil
	}
}

func (a *app) run(ctx context.Context) error {
	a.logger.Info("starting mission-control",
		"version", version,
		"http_addr", a.cfg.Server.HTTPAddr,
		"gateway_url", a.cfg.Gateway.URL,
	)

	stopSummary, err := a.mission.ScheduleSummary(a.cfg.Cost.SummarySchedule)
	if err != nil {
		return err
	}
	defer stopSummary()

	a.gateway.Connect()

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case serveErr = <-errCh:
		a.logger.Error("http server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}

	a.gateway.Disconnect()
	a.correlator.Drain()

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

func (a *app) close() {
	a.events.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing database", "error", err)
	}
}

func runHealth(ctx context.Context) error {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
