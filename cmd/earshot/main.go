// Command earshot is the main entry point for the earshot speech capture
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/history"
	"github.com/MrWong99/earshot/internal/hostapi"
	"github.com/MrWong99/earshot/internal/mcpserver"
	"github.com/MrWong99/earshot/internal/mqttsink"
	"github.com/MrWong99/earshot/internal/notify"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/recognition"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/speech"
	"github.com/MrWong99/earshot/pkg/speech/batch"
	"github.com/MrWong99/earshot/pkg/speech/deepgram"
	"github.com/MrWong99/earshot/pkg/speech/mock"
	"github.com/MrWong99/earshot/pkg/speech/openai"
	"github.com/MrWong99/earshot/pkg/speech/whisper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mcpMode := flag.Bool("mcp", false, "also serve the recognition tools over MCP on stdio")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}
	if *mcpMode && cfg.Audio.Source == config.AudioStdin {
		fmt.Fprintln(os.Stderr, "earshot: -mcp needs stdio for the protocol; set audio.source to file")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earshot",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio + engine ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	src, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio source", "err", err)
		return 1
	}
	engine, err := buildEngine(cfg.Engine, reg, src)
	if err != nil {
		slog.Error("failed to build recognition engine", "err", err)
		return 1
	}

	// ── History ───────────────────────────────────────────────────────────────
	store, closeStore, err := buildHistory(ctx, cfg.History)
	if err != nil {
		slog.Error("failed to open session history", "err", err)
		return 1
	}
	defer closeStore()

	// ── Controller ────────────────────────────────────────────────────────────
	auth, err := speech.NewStaticAuthorizer(cfg.Recognition.Permission)
	if err != nil {
		slog.Error("invalid permission state", "err", err)
		return 1
	}
	gw := notify.New()
	defer gw.Close()

	ctrl := recognition.New(engine, auth, gw,
		recognition.WithHistory(store),
		recognition.WithMetrics(metrics),
		recognition.WithDefaults(recognitionDefaults(cfg.Recognition)),
		recognition.WithEngineName(cfg.Engine.Primary.Name),
	)
	defer func() {
		if err := ctrl.Close(); err != nil {
			slog.Warn("controller close error", "err", err)
		}
	}()

	// ── MQTT sink (optional) ──────────────────────────────────────────────────
	if cfg.MQTT.BrokerURL != "" {
		sink, err := mqttsink.Connect(ctx, mqttsink.Config{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			slog.Error("failed to connect mqtt sink", "err", err)
			return 1
		}
		defer sink.Close()
		sink.Attach(gw)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		if d.RecognitionChanged {
			ctrl.SetDefaults(recognitionDefaults(newCfg.Recognition))
		}
		if d.PermissionChanged {
			auth.Set(newCfg.Recognition.Permission)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, *mcpMode)

	hh := health.New(
		health.EngineChecker("engine", engine.Available),
		health.PingChecker("history", store.Ping),
	)
	srv := hostapi.New(ctrl, gw,
		hostapi.WithHistory(store),
		hostapi.WithHealth(hh),
		hostapi.WithMetrics(metrics),
	)

	var certFile, keyFile string
	if cfg.Server.TLS != nil {
		certFile, keyFile = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.ListenAddr, certFile, keyFile)
	})
	if *mcpMode {
		g.Go(func() error {
			return mcpserver.Run(gctx, ctrl, version)
		})
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltins wires the built-in engine and audio factories into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterEngine("deepgram", func(entry config.EngineEntry, src audio.Source) (speech.Engine, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if s := optString(entry.Options, "no_input_timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("no_input_timeout: %w", err)
			}
			opts = append(opts, deepgram.WithNoInputTimeout(d))
		}
		return deepgram.New(entry.APIKey, src, opts...)
	})

	reg.RegisterEngine("whisper", func(entry config.EngineEntry, src audio.Source) (speech.Engine, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		t, err := whisper.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return batch.New(t, src)
	})

	reg.RegisterEngine("openai", func(entry config.EngineEntry, src audio.Source) (speech.Engine, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, openai.WithPrompt(prompt))
		}
		t, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return batch.New(t, src)
	})

	// mock answers every open with ready and nothing else. Useful for wiring
	// hosts against the API without a backend.
	reg.RegisterEngine("mock", func(config.EngineEntry, audio.Source) (speech.Engine, error) {
		return &mock.Engine{AutoReady: true}, nil
	})

	reg.RegisterAudio(config.AudioStdin, func(c config.AudioConfig) (audio.Source, error) {
		return audio.NewReaderSource(os.Stdin, audio.Format{SampleRate: c.SampleRate, Channels: c.Channels})
	})

	reg.RegisterAudio(config.AudioFile, func(c config.AudioConfig) (audio.Source, error) {
		return audio.NewFileSource(c.Path, audio.Format{SampleRate: c.SampleRate, Channels: c.Channels},
			audio.WithRealtime(c.Realtime))
	})

	for _, name := range reg.Engines() {
		slog.Debug("registered engine", "name", name)
	}
}

// buildEngine creates the primary engine and, when fallbacks are configured,
// wraps it in a [resilience.EngineFallback].
func buildEngine(ec config.EngineConfig, reg *config.Registry, src audio.Source) (speech.Engine, error) {
	primary, err := reg.CreateEngine(ec.Primary, src)
	if err != nil {
		return nil, err
	}
	slog.Info("engine created", "name", ec.Primary.Name, "model", ec.Primary.Model)
	if len(ec.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewEngineFallback(primary, ec.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  ec.CircuitBreaker.MaxFailures,
			ResetTimeout: ec.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  ec.CircuitBreaker.HalfOpenMax,
		},
	})
	for _, entry := range ec.Fallbacks {
		e, err := reg.CreateEngine(entry, src)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		fb.AddFallback(entry.Name, e)
		slog.Info("fallback engine created", "name", entry.Name, "model", entry.Model)
	}
	return fb, nil
}

// buildHistory opens the PostgreSQL store when a DSN is configured and the
// in-memory store otherwise. The returned func releases the store.
func buildHistory(ctx context.Context, hc config.HistoryConfig) (history.Store, func(), error) {
	if hc.PostgresDSN == "" {
		return history.NewMemStore(hc.Capacity), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, hc.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := history.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("session history stored in postgres")
	return store, pool.Close, nil
}

func recognitionDefaults(rc config.RecognitionConfig) recognition.Defaults {
	return recognition.Defaults{
		Language:               rc.DefaultLanguage,
		MaxResults:             rc.MaxResults,
		MaxConsecutiveRestarts: rc.MaxConsecutiveRestarts,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, mcpMode bool) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║         earshot · startup summary     ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printEntry("Engine", cfg.Engine.Primary.Name, cfg.Engine.Primary.Model)
	for _, fb := range cfg.Engine.Fallbacks {
		printEntry("Fallback", fb.Name, fb.Model)
	}
	printEntry("Audio", string(cfg.Audio.Source), cfg.Audio.Path)
	printEntry("Language", cfg.Recognition.DefaultLanguage, "")
	if cfg.History.PostgresDSN != "" {
		printEntry("History", "postgres", "")
	} else {
		printEntry("History", "memory", "")
	}
	if cfg.MQTT.BrokerURL != "" {
		printEntry("MQTT", cfg.MQTT.BrokerURL, "")
	} else {
		printEntry("MQTT", "", "")
	}
	if mcpMode {
		printEntry("MCP", "stdio", "")
	}
	printEntry("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

// printEntry writes to stderr because stdout may carry the MCP protocol.
func printEntry(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from an engine Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
