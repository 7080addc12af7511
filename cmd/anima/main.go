// Command anima runs the companion gateway: a websocket bridge between a
// browser UI and the resilient Gemini Live session core.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/daoch4n/anima/pkg/core/conduit/gemini"
	"github.com/daoch4n/anima/pkg/core/energy"
	"github.com/daoch4n/anima/pkg/core/interaction"
	"github.com/daoch4n/anima/pkg/core/summary"
	"github.com/daoch4n/anima/pkg/gateway/bridge"
	"github.com/daoch4n/anima/pkg/gateway/config"
)

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen}))
}

func buildOrchestrator(ctx context.Context, cfg config.Config, logger *slog.Logger) (*interaction.Orchestrator, error) {
	ladder := energy.DefaultLadder()
	if cfg.LadderPath != "" {
		loaded, err := energy.LoadLadderFile(cfg.LadderPath)
		if err != nil {
			return nil, fmt.Errorf("load model ladder: %w", err)
		}
		ladder = loaded
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return interaction.New(interaction.Options{
		Factory:    gemini.NewFactory(cfg.GeminiAPIKey, logger),
		Ledger:     energy.NewLedger(ladder, logger),
		Summarizer: summary.NewGenAI(client, cfg.SummaryModel, logger),
		Timing:     cfg.Timing(),
		Logger:     logger,
	}), nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, stderr io.Writer, deps serveDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(stderr, cfg.LogLevel)

	orch, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := bridge.NewServer(orch, cfg, logger)
	httpSrv := buildHTTPServer(cfg, srv.Router())

	logger.Info("starting anima gateway", "addr", cfg.Addr)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("anima gateway stopped")
	return nil
}

func newRootCmd(stderr io.Writer, deps serveDeps) *cobra.Command {
	return &cobra.Command{
		Use:           "anima",
		Short:         "Anima companion gateway",
		Long:          "Bridges a browser UI to Gemini Live sessions with resumption, retry and tiered model fallback.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stderr, deps)
		},
	}
}

func runMain(ctx context.Context, stderr io.Writer, deps serveDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cmd := newRootCmd(stderr, deps)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "anima: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServeDeps()))
}
