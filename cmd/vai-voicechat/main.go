// Command vai-voicechat is a terminal voice chat client for live speech
// models.
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

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voicechat/internal/config"
	"github.com/vango-go/vai-voicechat/internal/dotenv"
	"github.com/vango-go/vai-voicechat/internal/tui"
	"github.com/vango-go/vai-voicechat/pkg/live/metrics"
	"github.com/vango-go/vai-voicechat/pkg/live/session"
)

type options struct {
	configPath  string
	transport   string
	url         string
	model       string
	voice       string
	headless    bool
	metricsAddr string
	logFile     string
	debug       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opt options
	cmd := &cobra.Command{
		Use:   "vai-voicechat",
		Short: "Talk to a live speech model from the terminal",
		Long: `vai-voicechat streams your microphone to a live speech model and plays
its spoken replies, showing both sides of the conversation as a chat log.

Transports:
  gemini     connect directly to the Gemini Live API (needs GEMINI_API_KEY)
  websocket  connect through a VAI live gateway (--url)`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opt)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opt)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opt.configPath, "config", "", "config file, YAML or JSON (default: $VAI_VOICE_CONFIG)")
	f.StringVar(&opt.transport, "transport", "", "live transport: gemini or websocket")
	f.StringVar(&opt.url, "url", "", "gateway base URL for the websocket transport")
	f.StringVar(&opt.model, "model", "", "model name")
	f.StringVar(&opt.voice, "voice", "", "voice name or id")
	f.BoolVar(&opt.headless, "headless", false, "print final transcripts instead of running the TUI")
	f.StringVar(&opt.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	f.StringVar(&opt.logFile, "log-file", "", "write logs to this file (TUI mode discards logs otherwise)")
	f.BoolVar(&opt.debug, "debug", false, "enable debug logging")
	return cmd
}

// loadConfig layers .env, the config file, environment and changed flags.
func loadConfig(cmd *cobra.Command, opt options) (*config.Config, error) {
	if wd, err := os.Getwd(); err == nil {
		if _, err := dotenv.LoadFromAncestors(wd, dotenv.DefaultMaxLevels); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(opt.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg, opt)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, opt options) {
	f := cmd.Flags()
	if f.Changed("transport") {
		cfg.Transport = opt.transport
	}
	if f.Changed("url") {
		cfg.URL = opt.url
	}
	if f.Changed("model") {
		cfg.Model = opt.model
	}
	if f.Changed("voice") {
		cfg.Voice = opt.voice
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = opt.metricsAddr
	}
	if f.Changed("log-file") {
		cfg.LogFile = opt.logFile
	}
	if opt.debug {
		cfg.LogLevel = "debug"
	}
}

func run(ctx context.Context, cfg *config.Config, opt options) error {
	logger, closeLog, err := newLogger(cfg, opt.headless)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.NewMetrics("")
	notifier := &tui.Notifier{}
	printer := newHeadlessPrinter(os.Stdout)

	callbacks := sessionCallbacks{
		status:     notifier.Status,
		transcript: notifier.Transcript,
		volume:     notifier.Volume,
	}
	if opt.headless {
		callbacks = sessionCallbacks{
			status:     printer.Status,
			transcript: printer.Transcript,
		}
	}

	sess, err := newSession(cfg, callbacks, m, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		if opt.headless {
			return runHeadless(gctx, sess, printer)
		}
		return runTUI(gctx, sess, notifier, cfg.Model)
	})

	return g.Wait()
}

func runTUI(ctx context.Context, sess *session.Session, notifier *tui.Notifier, title string) error {
	p := tea.NewProgram(tui.New(sess, title), tea.WithAltScreen(), tea.WithContext(ctx))
	notifier.Attach(p)
	_, err := p.Run()
	sess.Disconnect()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}
