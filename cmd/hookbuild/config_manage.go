package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/hookbuild/internal/config"
	"github.com/mattjoyce/hookbuild/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookbuild config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: hookbuild config check [--config PATH] [--env-file PATH] [--json]")
	fmt.Println("Validate configuration and the build environment.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All checks passed")
	fmt.Println("  1  Errors found (hookbuild start would fail or builds cannot run)")
	fmt.Println("  2  Valid with warnings")
}

func printConfigLockHelp() {
	fmt.Println("Usage: hookbuild config lock --config PATH [-v|--verbose] [--dry-run]")
	fmt.Println("Record the BLAKE3 hash of the config file in .checksums next to it.")
}

func runConfigCheck(args []string) int {
	var configPath, envFile string
	var jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&envFile, "env-file", "", "Path to a dotenv file")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	result, code, err := validateConfigAtPath(configPath, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return code
	}

	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return code
	}

	doctor.WriteHuman(os.Stdout, result)
	return code
}

// validateConfigAtPath loads and checks the config, returning the exit code
// for the outcome: 0 ok, 2 warnings, 1 errors.
func validateConfigAtPath(configPath, envFile string) (*doctor.Result, int, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, 1, err
	}
	result := doctor.New(cfg).Validate()
	if !result.Valid {
		return result, 1, nil
	}
	if len(result.Warnings) > 0 {
		return result, 2, nil
	}
	return result, 0, nil
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		return 1
	}

	// Not config.Load: it refuses a file that no longer matches .checksums.
	absPath, err := config.ResolvePath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}
	dir := filepath.Dir(absPath)

	report, err := config.GenerateChecksumsWithReport(dir, []string{filepath.Base(absPath)}, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", dir, err)
		return 1
	}

	if isVerbose {
		for _, file := range report.Files {
			fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
		}
	}

	if dryRun {
		fmt.Printf("Dry run: %s (not written)\n", report.ChecksumPath)
		return 0
	}
	fmt.Printf("Successfully locked configuration: %s\n", report.ChecksumPath)
	return 0
}
