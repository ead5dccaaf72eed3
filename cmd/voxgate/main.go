// Command voxgate is the main entry point for the Voxgate voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxgate/internal/auth"
	"github.com/MrWong99/voxgate/internal/bridge"
	"github.com/MrWong99/voxgate/internal/channel"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/openclaw"
	"github.com/MrWong99/voxgate/internal/platform"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/internal/voicemail"
	"github.com/MrWong99/voxgate/internal/webhook"
	"github.com/MrWong99/voxgate/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voxgate/pkg/provider/tts/piper"
	"github.com/MrWong99/voxgate/pkg/provider/wakeword"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"config", *configPath,
		"bridge_url", cfg.Bridge.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Authorization store ───────────────────────────────────────────────────
	authOpts := []auth.Option{auth.WithBootstrapAdmins(cfg.Auth.BootstrapAdmins)}
	if cfg.OpenClaw.AgentID != "" {
		authOpts = append(authOpts, auth.WithDefaultAgent(cfg.OpenClaw.AgentID))
	}
	store, err := auth.Open(cfg.Auth.UsersFile, cfg.Auth.RoutingFile, authOpts...)
	if err != nil {
		slog.Error("failed to open auth store", "err", err)
		return 1
	}

	// ── Discord gateway ───────────────────────────────────────────────────────
	gateway, err := platform.New(cfg.Discord.BotToken)
	if err != nil {
		slog.Error("failed to create Discord client", "err", err)
		return 1
	}

	// ── Voice bridge ──────────────────────────────────────────────────────────
	bridgeClient := bridge.New(cfg.Bridge.URL)
	bridgeClient.Start()

	// ── Conversation backend ──────────────────────────────────────────────────
	var chatOpts []openclaw.Option
	if cfg.OpenClaw.Model != "" {
		chatOpts = append(chatOpts, openclaw.WithModel(cfg.OpenClaw.Model))
	}
	chat, err := openclaw.New(cfg.OpenClaw.BaseURL, cfg.OpenClaw.APIKey, chatOpts...)
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		return 1
	}

	// ── Speech providers ──────────────────────────────────────────────────────
	var sttOpts []whisper.Option
	if cfg.STT.Language != "" {
		sttOpts = append(sttOpts, whisper.WithLanguage(cfg.STT.Language))
	}
	whisperSTT, err := whisper.New(cfg.STT.ModelPath, sttOpts...)
	if err != nil {
		slog.Error("failed to create STT provider", "err", err)
		return 1
	}
	transcriber := resilience.NewSTTFallback(whisperSTT, "whisper", resilience.FallbackConfig{})

	synth, err := buildTTS(cfg)
	if err != nil {
		slog.Error("failed to create TTS provider", "err", err)
		return 1
	}

	wakeDetector, wakePhrase, err := buildWakeWord(cfg)
	if err != nil {
		slog.Error("failed to create wake word detector", "err", err)
		return 1
	}

	// ── Channel manager and session factory ──────────────────────────────────
	compactor := &historyCompactor{chat: chat, store: store}
	factory := func(guildID, channelID string, onActivity func()) channel.Session {
		return session.New(session.Params{
			GuildID:   guildID,
			ChannelID: channelID,

			Bridge:    bridgeClient,
			Platform:  gateway,
			Auth:      store,
			Chat:      chat,
			STT:       transcriber,
			TTS:       synth,
			Compactor: compactor,

			Wake:                       wakeDetector,
			WakePhrase:                 wakePhrase,
			RequireWakeForUnauthorized: cfg.WakeWord.RequireForUnauthorized,

			ThinkingSound:   cfg.Pipeline.ThinkingSound,
			SentenceSilence: cfg.Pipeline.SentenceSilence,
			OnActivity:      onActivity,
		})
	}

	mgr := channel.New(factory, store, gateway,
		channel.WithAutoJoin(cfg.Discord.AutoJoin),
		channel.WithInactivityTimeout(cfg.Discord.InactivityTimeout),
		channel.WithVoicemail(voicemail.NewSender(synth, gateway)),
		channel.WithNotifyUsers(cfg.Webhook.NotifyUserIDs),
	)

	// The voice state callback must be registered before the gateway opens.
	gateway.OnVoiceStateChange(mgr.HandleVoiceState)
	if err := gateway.Open(); err != nil {
		slog.Error("failed to connect to Discord", "err", err)
		return 1
	}

	// ── Webhook server (optional) ─────────────────────────────────────────────
	var hooks *webhook.Server
	if cfg.Webhook.ListenAddr != "" {
		hooks = webhook.New(cfg.Webhook.ListenAddr, mgr,
			webhook.WithToken(cfg.Webhook.Token),
			webhook.WithDefaultMode(cfg.Webhook.DefaultMode),
		)
		if err := hooks.Start(); err != nil {
			slog.Error("failed to start webhook server", "err", err)
			return 1
		}
	}

	// ── Metrics and health server (optional) ──────────────────────────────────
	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		health.New(
			health.Checker{Name: "bridge", Check: func(ctx context.Context) error {
				return bridgeClient.WaitConnected(ctx, 2*time.Second)
			}},
			health.Checker{Name: "discord", Check: func(_ context.Context) error {
				if gateway.BotUserID() == "" {
					return errors.New("gateway session not ready")
				}
				return nil
			}},
		).Register(mux)
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "err", err)
			}
		}()
		slog.Info("metrics server listening", "addr", cfg.Server.MetricsAddr)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("gateway ready — press Ctrl+C to shut down")

	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if hooks != nil {
		if err := hooks.Shutdown(shutdownCtx); err != nil {
			slog.Warn("webhook shutdown error", "err", err)
		}
	}
	mgr.Shutdown(shutdownCtx)
	bridgeClient.Stop()
	if err := transcriber.Close(); err != nil {
		slog.Warn("stt close error", "err", err)
	}
	if err := synth.Close(); err != nil {
		slog.Warn("tts close error", "err", err)
	}
	if err := gateway.Close(); err != nil {
		slog.Warn("discord close error", "err", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildTTS constructs the synthesis provider named in the config, wrapped in
// a circuit breaker. When the hosted provider is primary and a local piper
// model is configured too, piper becomes the failover voice.
func buildTTS(cfg *config.Config) (tts.Provider, error) {
	newPiper := func() (tts.Provider, error) {
		opts := []piper.Option{piper.WithTrimLeadingSilence(cfg.TTS.TrimLeadingSilence)}
		if cfg.TTS.PiperBinary != "" {
			opts = append(opts, piper.WithBinary(cfg.TTS.PiperBinary))
		}
		return piper.New(cfg.TTS.PiperModel, opts...)
	}

	switch cfg.TTS.Provider {
	case config.TTSElevenLabs:
		var opts []elevenlabs.Option
		if cfg.TTS.Model != "" {
			opts = append(opts, elevenlabs.WithModel(cfg.TTS.Model))
		}
		opts = append(opts, elevenlabs.WithTrimLeadingSilence(cfg.TTS.TrimLeadingSilence))
		primary, err := elevenlabs.New(cfg.TTS.APIKey, cfg.TTS.VoiceID, opts...)
		if err != nil {
			return nil, err
		}
		fb := resilience.NewTTSFallback(primary, "elevenlabs", resilience.FallbackConfig{})
		if cfg.TTS.PiperModel != "" {
			local, err := newPiper()
			if err != nil {
				return nil, err
			}
			fb.AddFallback("piper", local)
		}
		return fb, nil
	case config.TTSPiper:
		primary, err := newPiper()
		if err != nil {
			return nil, err
		}
		return resilience.NewTTSFallback(primary, "piper", resilience.FallbackConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.TTS.Provider)
	}
}

// buildWakeWord constructs the configured wake word gates. The acoustic model
// and the transcript phrase matcher can coexist; the phrase matcher then acts
// as a fallback when the model misses.
func buildWakeWord(cfg *config.Config) (wakeword.Detector, *wakeword.PhraseMatcher, error) {
	if !cfg.WakeWord.Enabled {
		return nil, nil, nil
	}
	var detector wakeword.Detector
	if cfg.WakeWord.ModelPath != "" {
		var opts []wakeword.ONNXOption
		if cfg.WakeWord.Threshold > 0 {
			opts = append(opts, wakeword.WithThreshold(cfg.WakeWord.Threshold))
		}
		d, err := wakeword.NewONNX(cfg.WakeWord.ModelPath, opts...)
		if err != nil {
			return nil, nil, err
		}
		detector = d
	}
	var phrase *wakeword.PhraseMatcher
	if cfg.WakeWord.Phrase != "" {
		p, err := wakeword.NewPhraseMatcher(cfg.WakeWord.Phrase)
		if err != nil {
			return nil, nil, err
		}
		phrase = p
	}
	if detector == nil && phrase == nil {
		return nil, nil, errors.New("wake word enabled but neither model_path nor phrase configured")
	}
	return detector, phrase, nil
}

// historyCompactor resolves the per-user agent before asking the backend to
// summarise a conversation. Session ids follow "voice:guild:channel:user".
type historyCompactor struct {
	chat  *openclaw.Client
	store *auth.Store
}

func (h *historyCompactor) Compact(ctx context.Context, sessionID string) error {
	userID := sessionID[strings.LastIndex(sessionID, ":")+1:]
	return h.chat.Compact(ctx, sessionID, h.store.AgentID(userID))
}

var _ session.Compactor = (*historyCompactor)(nil)

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Voxgate — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Bridge", cfg.Bridge.URL)
	printRow("Backend", cfg.OpenClaw.BaseURL)
	printRow("Agent", cfg.OpenClaw.AgentID)
	printRow("STT model", cfg.STT.ModelPath)
	printRow("TTS", string(cfg.TTS.Provider))
	if cfg.WakeWord.Enabled {
		printRow("Wake word", cfg.WakeWord.Phrase)
	} else {
		printRow("Wake word", "(disabled)")
	}
	printRow("Auto-join", fmt.Sprintf("%t", cfg.Discord.AutoJoin))
	if cfg.Webhook.ListenAddr != "" {
		printRow("Webhook", cfg.Webhook.ListenAddr)
	}
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
