package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/agent"
)

var (
	green  = color.New(color.FgGreen, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	cyan   = color.New(color.FgCyan, color.Bold)
)

const version = "1.0.0"

func main() {
	godotenv.Load()

	serverURL := flag.String("server", envOr("FORMSCOUT_SERVER_URL", "http://localhost:8080"), "FormScout server URL")
	agentID := flag.String("agent-id", envOr("FORMSCOUT_AGENT_ID", ""), "Stable agent identifier (default: generated)")
	companyID := flag.Int64("company-id", envInt64("FORMSCOUT_COMPANY_ID"), "Company ID")
	userID := flag.Int64("user-id", envInt64("FORMSCOUT_USER_ID"), "User ID this agent serves")
	headless := flag.Bool("headless", true, "Run the browser headless")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	// The register token is a secret; environment only, never a flag
	registerToken := os.Getenv("FORMSCOUT_REGISTER_TOKEN")

	printBanner(*serverURL)

	if registerToken == "" {
		red.Println("✗ FORMSCOUT_REGISTER_TOKEN not set")
		fmt.Println("  Add it to .env or export it before starting the agent")
		os.Exit(1)
	}
	if *companyID == 0 || *userID == 0 {
		red.Println("✗ company-id and user-id are required")
		flag.Usage()
		os.Exit(1)
	}

	id := *agentID
	if id == "" {
		id = "agent-" + uuid.NewString()[:8]
		yellow.Printf("! No agent-id given, using %s\n", id)
	}

	logger := initLogger(*verbose)
	defer logger.Sync()

	// Spinner for crawl progress; the server gets the same numbers over HTTP
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("waiting for tasks"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
	)

	hostname, _ := os.Hostname()
	runner := agent.NewRunner(agent.Config{
		ServerURL:         *serverURL,
		RegisterToken:     registerToken,
		AgentID:           id,
		CompanyID:         *companyID,
		UserID:            *userID,
		Hostname:          hostname,
		Platform:          runtime.GOOS,
		Version:           version,
		Headless:          *headless,
		HeartbeatInterval: *heartbeat,
		OnProgress: func(pages, forms int) {
			bar.Describe(fmt.Sprintf("crawling · %d pages · %d forms", pages, forms))
			bar.Add(1)
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		yellow.Println("\n! Shutting down")
		cancel()
	}()

	cyan.Printf("→ Connecting to %s as %s (user %d)\n", *serverURL, id, *userID)

	err := runner.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrSuperseded):
		red.Println("✗ Another agent registered for this user; exiting")
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		green.Println("✓ Agent stopped")
	case err != nil:
		red.Printf("✗ Agent failed: %v\n", err)
		os.Exit(1)
	}
}

func printBanner(serverURL string) {
	cyan.Println("FormScout Agent")
	fmt.Printf("version %s · server %s\n\n", version, serverURL)
}

func initLogger(verbose bool) *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"formscout-agent.log"}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string) int64 {
	var v int64
	fmt.Sscanf(os.Getenv(key), "%d", &v)
	return v
}
