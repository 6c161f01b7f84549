package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receiptjar/internal/payment"
	"github.com/zombor/receiptjar/internal/receipt"
	"github.com/zombor/receiptjar/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receiptjar")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		appURL         = fs.StringLong("app-url", "http://localhost:8080", "Public base URL used for checkout redirects")
		dbPath         = fs.StringLong("db", "", "Session database file path (empty keeps sessions in memory)")
		storagePath    = fs.StringLong("storage", "./uploads", "Directory for uploaded originals")
		sessionTTL     = fs.DurationLong("session-ttl", receipt.DefaultSessionTTL, "How long receipts stay downloadable")
		sweepInterval  = fs.DurationLong("sweep-interval", time.Minute, "How often expired sessions are evicted (0 disables)")
		recognizerType = fs.StringLong("recognizer", "mock", "Text recognizer: 'mock', 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		stripeKey      = fs.StringLong("stripe-key", "", "Stripe secret key")
		webhookSecret  = fs.StringLong("stripe-webhook-secret", "", "Stripe webhook signing secret")
		stripeAPIURL   = fs.StringLong("stripe-api-url", "", "Stripe API base URL override (stripe-mock)")
		tiersPath      = fs.StringLong("tiers", "", "TOML file with [[tier]] pricing tables (empty uses built-in tiers)")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logJSON        = fs.BoolLong("log-json", "Write logs as JSON")
		_              = fs.StringLong("config", "", "Config file with one 'flag value' per line")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPTJAR"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := setupLogging(*logLevel, *logJSON); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Initialize session database
	var db receipt.DB
	if *dbPath == "" {
		slog.Info("Keeping sessions in memory")
		db = receipt.NewMemoryDB()
	} else {
		slog.Info("Initializing database...", "path", *dbPath)
		boltDB, err := receipt.NewBoltDB(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		db = boltDB
	}
	defer db.Close()

	recognizer, err := newRecognizer(*recognizerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		slog.Error("Failed to initialize recognizer", "type", *recognizerType, "error", err)
		os.Exit(1)
	}
	defer recognizer.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	storage, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	tiers, err := payment.LoadTiers(*tiersPath)
	if err != nil {
		slog.Error("Failed to load pricing tiers", "error", err)
		os.Exit(1)
	}

	provider, err := payment.NewStripe(*stripeKey, *webhookSecret, *stripeAPIURL)
	if err != nil {
		slog.Error("Failed to initialize payments", "error", err)
		os.Exit(1)
	}
	if *webhookSecret == "" {
		slog.Warn("Stripe webhook secret not set, webhooks will be rejected")
	}

	receiptService := receipt.NewService(db, recognizer, storage, provider, receipt.Options{
		AppURL:     *appURL,
		Tiers:      tiers,
		SessionTTL: *sessionTTL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go receiptService.Sessions().RunSweeper(ctx, *sweepInterval)

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}

func setupLogging(level string, asJSON bool) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func newRecognizer(kind, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Recognizer, error) {
	switch kind {
	case "mock":
		slog.Info("Using mock recognizer")
		return scanning.NewMock(nil), nil
	case "gemini":
		// Get Gemini API key from flag or environment
		if geminiKey == "" {
			geminiKey = os.Getenv("GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini recognizer...", "model", geminiModel)
		return scanning.NewGemini(geminiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(ollamaURL, ollamaModel)
	default:
		return nil, fmt.Errorf("unknown recognizer %q, want mock, gemini or ollama", kind)
	}
}
