package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/commitgate/pkg/api"
	"github.com/Mindburn-Labs/commitgate/pkg/config"
	"github.com/Mindburn-Labs/commitgate/pkg/service"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "address":
		return runAddressCmd(args[2:], stdout, stderr)
	case "digest":
		return runDigestCmd(args[2:], stdout, stderr)
	case "sign-update":
		return runSignUpdateCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "tree":
		return runTreeCmd(args[2:], stdout, stderr)
	case "submit":
		return runSubmitCmd(args[2:], stdout, stderr)
	case "reveal":
		return runRevealCmd(args[2:], stdout, stderr)
	case "root":
		return runRootCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "commitgate %s\n", service.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%scommitgate %s%s\n", ColorBold+ColorBlue, "v"+service.Version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sSigned agent updates with single-use commitments.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  commitgate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "NODE")
	printCommand(w, "serve", "Run the HTTP node (default; --config)")

	printSection(w, "KEYS & SIGNING")
	printCommand(w, "keygen", "Generate a secp256k1 key (--out)")
	printCommand(w, "address", "Print addresses in a key file (--key-file)")
	printCommand(w, "digest", "Compute a commitment digest (--nonce, --agent)")
	printCommand(w, "sign-update", "Sign an update request as JSON")
	printCommand(w, "token", "Issue a caller token (--key-file, --server)")
	printCommand(w, "tree", "Build a cross-chain tree (domain:nonce ...)")

	printSection(w, "CLIENT")
	printCommand(w, "submit", "Submit a signed update (--server, --file)")
	printCommand(w, "reveal", "Reveal a nonce (--server, --key-file)")
	printCommand(w, "root", "Show or publish the trusted root")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func runServer(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("serve", stderr)
	configPath := cmd.String("config", os.Getenv("COMMITGATE_CONFIG"), "Path to YAML config (env still overrides)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	limiter := api.NewGlobalRateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	if err := api.NewServer(svc, limiter).ListenAndServe(ctx, ":"+cfg.Port); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}
