// Command xhs-gateway relays signed requests to the content platform's web
// API through a supervised signing engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/1195214305/xhs-backend/pkg/config"
	"github.com/1195214305/xhs-backend/pkg/credentials"
	"github.com/1195214305/xhs-backend/pkg/signature"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServeCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "xhs-gateway "+version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  xhs-gateway <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the gateway (default)")
	printCommand(w, "health", "Check a running gateway (--url)")
	printCommand(w, "sign", "Sign one request with a fresh engine (--method, --path, --payload)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// loadConfig loads and validates configuration, honoring an explicit file.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	addr := cmd.String("addr", "", "listen address (default :$PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := newLogger(cfg, stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := newGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	listen := *addr
	if listen == "" {
		listen = ":" + cfg.Port
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		logger.Error("listen failed", "addr", listen, "error", err)
		_ = g.stop(context.Background())
		return 1
	}

	if err := g.serve(ctx, ln); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	url := cmd.String("url", "", "gateway base URL (default http://localhost:$PORT)")
	timeout := cmd.Duration("timeout", 5*time.Second, "request timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	base := *url
	if base == "" {
		base = "http://localhost:" + getenvDefault("PORT", "3005")
	}

	hc := &http.Client{Timeout: *timeout}
	resp, err := hc.Get(base + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	var body struct {
		Status string `json:"status"`
		Agent  string `json:"agent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s (engine %s)\n", body.Status, body.Agent)
	if body.Status != "ok" {
		return 1
	}
	return 0
}

// runSignCmd starts an engine, signs one request and prints the headers as
// JSON. The fallback cache is not consulted.
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	method := cmd.String("method", http.MethodPost, "HTTP method")
	path := cmd.String("path", "", "platform path, optionally with query")
	payload := cmd.String("payload", "", "JSON payload")
	cookie := cmd.String("cookie", "", "cookie header (default COOKIES)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --path is required")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := newLogger(cfg, stderr)

	cookieHeader := *cookie
	if cookieHeader == "" {
		cookieHeader = cfg.Cookies
	}
	var body []byte
	if *payload != "" {
		body = []byte(*payload)
	}
	req, err := signature.NewRequest(*method, *path, body, credentials.ParseCookieHeader(cookieHeader))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	sup, err := newSupervisor(cfg, logger, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	defer func() { _ = sup.Stop(ctx) }()

	if err := sup.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !sup.Healthy() {
		_, _ = fmt.Fprintf(stderr, "Error: signing engine not ready: %s\n", sup.Status().LastError)
		return 1
	}

	signCtx, cancel := context.WithTimeout(ctx, cfg.Signing.Timeout)
	defer cancel()
	headers, err := sup.Sign(signCtx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(headers); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if missing := headers.Missing(); len(missing) > 0 {
		_, _ = fmt.Fprintf(stderr, "warning: engine omitted %v\n", missing)
	}
	return 0
}
