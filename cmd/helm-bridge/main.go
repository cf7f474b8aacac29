// Helm Bridge - links a local Home Assistant instance to the Helm cloud.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/helm-home/helm-bridge/internal/bridge"
	"github.com/helm-home/helm-bridge/internal/config"
	"github.com/helm-home/helm-bridge/internal/health"
	"github.com/helm-home/helm-bridge/internal/hub"
	"github.com/helm-home/helm-bridge/internal/logbuf"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test hub connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("helm-bridge %s\n", bridge.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging: console to stderr plus an in-memory tail served to
	// the cloud on request_logs.
	tail := logbuf.New(500)
	writer := zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, tail)
	log := zerolog.New(writer).With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", bridge.Version).
		Str("bridge_id", cfg.BridgeID).
		Str("hub_url", cfg.HAURL).
		Str("cloud_url", cfg.CloudURL).
		Msg("Helm Bridge starting")

	b := bridge.New(cfg, log, tail)

	// Health endpoint
	started := time.Now()
	hs := health.New(cfg.HealthPort, func() health.Status {
		st := health.Status{
			Status:         "ok",
			Paired:         b.Store().IsPaired(),
			HubConnected:   b.HAConnected(),
			CloudConnected: b.CloudConnected(),
			EntityCount:    b.EntityCount(),
			UptimeSeconds:  int64(time.Since(started).Seconds()),
			Version:        bridge.Version,
		}
		if !st.HubConnected {
			st.Status = "degraded"
		}
		return st
	}, b.RecentEvents, log)
	go func() {
		if err := hs.Run(); err != nil {
			log.Warn().Err(err).Msg("health endpoint stopped")
		}
	}()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		b.Shutdown()
	}()

	if err := b.Run(); err != nil {
		log.Fatal().Err(err).Msg("bridge failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: helm-bridge [options]

Helm Bridge %s - connects a local Home Assistant instance to the Helm cloud.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test hub connectivity

Environment variables:
  HA_URL / SUPERVISOR_URL      Hub base URL (default: http://supervisor/core)
  HA_TOKEN / SUPERVISOR_TOKEN  Hub access token (required)
  CLOUD_URL                    Cloud base URL (default: https://helm.replit.app)
  BRIDGE_ID                    Stable bridge id (default: generated)
  CREDENTIAL_PATH              Credential file path (default: /data/credentials.json)
  JOURNAL_PATH                 Diagnostics journal path (empty disables)
  HEALTH_PORT                  Health endpoint port (default: 8099)
  HEARTBEAT_INTERVAL           Cloud heartbeat interval in seconds (default: 60)
  LOG_LEVEL                    Log level: debug, info, warn, error
`, bridge.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Bridge ID:   %s\n", cfg.BridgeID)
	fmt.Printf("  Hub:         %s\n", cfg.HAURL)
	fmt.Printf("  Cloud:       %s\n", cfg.CloudURL)
	fmt.Printf("  Credentials: %s\n", cfg.CredentialPath)
	fmt.Println()

	// Test hub connectivity via the REST config endpoint
	fmt.Print("Testing hub connectivity... ")

	req, err := http.NewRequest(http.MethodGet, hub.DeriveRESTURL(cfg.HAURL)+"/config", nil)
	if err != nil {
		fmt.Printf("❌ Failed\n  Error: %v\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+cfg.HAToken)

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	var hubCfg struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hubCfg); err == nil && hubCfg.Version != "" {
		fmt.Printf("✓ OK (version %s, latency %dms)\n", hubCfg.Version, latency.Milliseconds())
	} else {
		fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	}
	return 0
}
