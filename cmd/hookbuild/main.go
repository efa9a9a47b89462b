package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/hookbuild/internal/build"
	"github.com/mattjoyce/hookbuild/internal/config"
	"github.com/mattjoyce/hookbuild/internal/lock"
	"github.com/mattjoyce/hookbuild/internal/log"
	"github.com/mattjoyce/hookbuild/internal/signature"
	"github.com/mattjoyce/hookbuild/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// buildDrainTimeout bounds how long shutdown waits for running builds.
const buildDrainTimeout = 30 * time.Second

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "config":
		return runConfigNoun(args)
	case "sign":
		if hasHelpFlag(args) {
			printSignHelp()
			return 0
		}
		return runSign(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: hookbuild version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("hookbuild %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`hookbuild - Verify signed webhooks and trigger builds

Usage:
  hookbuild <command> [flags]

Commands:
  start             Run the webhook listener in the foreground
  config check      Validate configuration and the build environment
  config lock       Record configuration integrity hashes
  sign [FILE]       Print the signature header for a payload
  version           Show version information
  help              Show this help message

Configuration comes from --config (YAML), --env-file, and the environment
(SECRET, PORT, BUILD_SCRIPT, REPO_URL, REPO_BRANCH, BUILD_COMMAND,
SIGNATURE_HEADER, LOG_LEVEL, LOG_FORMAT). BUILD_SCRIPT or REPO_URL in the
environment selects the build mode over the config file.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printStartHelp() {
	fmt.Println("Usage: hookbuild start [--config PATH] [--env-file PATH]")
	fmt.Println("Listen for signed webhook deliveries and run the configured build.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	envFile := fs.String("env-file", "", "Path to a dotenv file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("hookbuild starting", "version", version, "config", cfg.SourcePath)

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock", "path", cfg.Service.PIDFile, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, log.Get()); err != nil {
		logger.Error("hookbuild failed", "error", err)
		return 1
	}

	logger.Info("hookbuild stopped")
	return 0
}

// serve runs the webhook server until ctx is cancelled, then drains builds.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	verifier, err := signature.NewVerifier([]byte(cfg.Webhook.Secret), cfg.Webhook.SignatureHeader)
	if err != nil {
		return fmt.Errorf("configure verifier: %w", err)
	}

	action := build.ActionFromConfig(cfg.Build)
	runner := build.NewRunner(action, build.WithLogger(logger.With("component", "build")))
	if action.CloneMode() {
		logger.Info("build mode: clone", "repo_url", action.RepoURL, "branch", action.Branch, "command", action.Command)
	} else {
		logger.Info("build mode: script", "script", action.Script, "args", action.Args)
	}

	server := webhook.New(webhook.FromGlobalConfig(cfg.Webhook), verifier, runner, logger.With("component", "webhook"))
	serveErr := server.Start(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), buildDrainTimeout)
	defer cancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		logger.Warn("running builds were terminated at shutdown", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
