package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/hookbuild/internal/config"
	"github.com/mattjoyce/hookbuild/internal/signature"
)

func printSignHelp() {
	fmt.Println("Usage: hookbuild sign [--config PATH] [--env-file PATH] [--value] [FILE]")
	fmt.Println("Print the signature header for the payload in FILE (or stdin) using the")
	fmt.Println("configured secret. Useful for sending test deliveries with curl:")
	fmt.Println("")
	fmt.Println(`  curl -X POST http://localhost:8700/ --data-binary @payload.json \`)
	fmt.Println(`    -H "Content-Type: application/json" -H "$(hookbuild sign payload.json)"`)
}

func runSign(args []string) int {
	var configPath, envFile string
	var valueOnly bool

	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&envFile, "env-file", "", "Path to a dotenv file")
	fs.BoolVar(&valueOnly, "value", false, "Print only the header value")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: hookbuild sign [flags] [FILE]")
		return 1
	}

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	payload, err := readPayload(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read payload: %v\n", err)
		return 1
	}
	if len(payload) == 0 {
		fmt.Fprintln(os.Stderr, "Payload is empty; empty bodies are always rejected")
		return 1
	}

	sig := signature.Compute([]byte(cfg.Webhook.Secret), payload)
	if valueOnly {
		fmt.Println(sig)
		return 0
	}
	fmt.Printf("%s: %s\n", cfg.Webhook.SignatureHeader, sig)
	return 0
}

// readPayload reads path, or stdin when path is empty or "-".
func readPayload(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
