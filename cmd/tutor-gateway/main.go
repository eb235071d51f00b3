// ABOUTME: Entry point for the tutor gateway service
// ABOUTME: Subcommands for serving, initializing storage, minting tokens, and health checks

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/sagelane/tutor-gateway/internal/auth"
	"github.com/sagelane/tutor-gateway/internal/binder"
	"github.com/sagelane/tutor-gateway/internal/config"
	"github.com/sagelane/tutor-gateway/internal/dedupe"
	"github.com/sagelane/tutor-gateway/internal/gateway"
	"github.com/sagelane/tutor-gateway/internal/lesson"
	"github.com/sagelane/tutor-gateway/internal/model"
	"github.com/sagelane/tutor-gateway/internal/orchestrator"
	"github.com/sagelane/tutor-gateway/internal/store"
	"github.com/sagelane/tutor-gateway/internal/transcript"
)

const banner = `
 _        _                            _
| |_ _  _| |_ ___ _ _ ___ __ _ __ _| |_ _____ __ ____ _ _  _
|  _| || |  _/ _ \ '_|___/ _' / _' |  _/ -_) V  V / _' | || |
 \__|\_,_|\__\___/_|     \__, \__,_|\__\___|\_/\_/\__,_|\_, |
                         |___/                          |__/
`

func main() {
	// Missing .env is fine; real deployments use the environment directly
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cmd := "serve"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(*configPath)
	case "init":
		err = runInit(*configPath)
	case "token":
		err = runToken(*configPath, flag.Args()[1:])
	case "health":
		err = runHealth(*configPath)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprintln(os.Stderr, "usage: tutor-gateway [-config path] [serve|init|token|health]")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	color.Cyan(banner)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if cfg.Lessons.Dir != "" {
		loader := lesson.NewLoader(st, logger)
		if _, err := loader.LoadDir(context.Background(), cfg.Lessons.Dir); err != nil {
			return fmt.Errorf("seeding lessons: %w", err)
		}
	}

	client, err := model.NewHTTPClient(model.HTTPOptions{
		BaseURL:   cfg.Model.BaseURL,
		APIKey:    cfg.Model.APIKey,
		Model:     cfg.Model.Name,
		MaxTokens: cfg.Model.MaxTokens,
		Timeout:   cfg.Model.Timeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.TokenSecret)
	if err != nil {
		return err
	}

	b := binder.New(st, logger, binder.Options{
		MaxAttempts:     cfg.Bindings.ResolveAttempts,
		BaseBackoff:     cfg.Bindings.ResolveBackoff.Std(),
		BindingTTL:      cfg.Bindings.TTL.Std(),
		CleanupInterval: cfg.Bindings.CleanupInterval.Std(),
	})
	eng := lesson.NewEngine(st, logger)
	asm := transcript.NewAssembler(st, logger, cfg.Model.BasePrompt)
	seen := dedupe.NewCache(cfg.Dedupe.TTL.Std(), cfg.Dedupe.MaxEntries)
	orch := orchestrator.New(st, b, eng, asm, client, seen, logger)

	gw := gateway.New(orch, st, b, verifier, logger, gateway.Options{
		Addr:           cfg.Addr(),
		CallbackSecret: cfg.Auth.CallbackSecret,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return gw.Shutdown(ctx)
}

// runInit creates the database schema and seeds lessons without serving.
func runInit(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	created := 0
	if cfg.Lessons.Dir != "" {
		loader := lesson.NewLoader(st, logger)
		created, err = loader.LoadDir(context.Background(), cfg.Lessons.Dir)
		if err != nil {
			return fmt.Errorf("seeding lessons: %w", err)
		}
	}

	color.Green("database ready at %s (%d lessons seeded)", cfg.Database.Path, created)
	return nil
}

// runToken mints a management API token for an operator.
func runToken(configPath string, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "", "token subject (required)")
	scope := fs.String("scope", "", "optional scope")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(cfg.Auth.TokenSecret)
	if err != nil {
		return err
	}
	token, err := verifier.Sign(*subject, *scope, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runHealth checks a running instance.
func runHealth(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", cfg.Addr()))
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: status %d", resp.StatusCode)
	}
	color.Green("gateway healthy at %s", cfg.Addr())
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(os.Stderr, level))
}

// colorHandler is a minimal slog.Handler that colors levels for terminals.
type colorHandler struct {
	out   *os.File
	level slog.Level
	attrs []slog.Attr
}

func newColorHandler(out *os.File, level slog.Level) *colorHandler {
	return &colorHandler{out: out, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	levelStr := r.Level.String()
	switch r.Level {
	case slog.LevelDebug:
		levelStr = color.HiBlackString(levelStr)
	case slog.LevelInfo:
		levelStr = color.CyanString(levelStr)
	case slog.LevelWarn:
		levelStr = color.YellowString(levelStr)
	case slog.LevelError:
		levelStr = color.RedString(levelStr)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format("15:04:05.000"), levelStr, r.Message)

	appendAttr := func(a slog.Attr) {
		fmt.Fprintf(&b, " %s=%s", color.HiBlackString(a.Key), attrValue(a.Value))
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})
	b.WriteByte('\n')

	_, err := h.out.WriteString(b.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	// Groups are rare in this codebase; flatten them
	return h
}

func attrValue(v slog.Value) string {
	if v.Kind() == slog.KindAny {
		if data, err := json.Marshal(v.Any()); err == nil {
			return string(data)
		}
	}
	return v.String()
}
