// ABOUTME: Entry point for the keygate authentication gateway
// ABOUTME: Dispatches the serve, init, health and admin subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/keygate/internal/config"
	"github.com/2389/keygate/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _
| | _____ _   _  __ _  __ _| |_ ___
| |/ / _ \ | | |/ _' |/ _' | __/ _ \
|   <  __/ |_| | (_| | (_| | ||  __/
|_|\_\___|\__, |\__, |\__,_|\__\___|
          |___/ |___/
`

func printUsage() {
	fmt.Println("Usage: keygate <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Start the gateway server")
	fmt.Println("  init [--force] [path]    Write a starter config with fresh secrets")
	fmt.Println("  health                   Check gateway health")
	fmt.Println("  pending [--limit N]      List registrations awaiting approval")
	fmt.Println("  approve <fingerprint>    Approve a registration")
	fmt.Println("  version                  Print the version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  KEYGATE_CONFIG           Config file path")
	fmt.Println("  KEYGATE_URL              Gateway URL for admin commands (default: from config)")
	fmt.Println("  KEYGATE_ADMIN_TOKEN      Admin token for admin commands")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx)
	case "pending":
		err = runPending(ctx, args)
	case "approve":
		err = runApprove(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s", cfg.Store.Backend)
	if cfg.Store.RedisURL != "" {
		gray.Print(" + redis")
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Admin:     ")
		cyan.Print(cfg.Tailscale.Hostname)
		gray.Print(" (tailnet only)")
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Admin:     ")
		yellow.Println("public listener")
	}
	if cfg.SMTP.Host == "" {
		green.Print("    ▶ ")
		fmt.Printf("Mail:      ")
		yellow.Println("not configured")
	}

	fmt.Println()

	logger.Info("starting keygate",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
