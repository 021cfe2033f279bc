package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/gmanldn/actifix/internal/doctor"
)

func runDoctorCommand(ctx context.Context, dataDir string, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
		cfg = nil
	}

	diag := doctor.Run(ctx, cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if !diag.Healthy() {
			return 1
		}
		return 0
	}

	fancy := isatty.IsTerminal(os.Stdout.Fd())
	fmt.Printf("Actifix Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	for _, res := range diag.Results {
		marker := statusMarker(res.Status, fancy)
		fmt.Printf("%s %-15s: %s\n", marker, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if !diag.Healthy() {
		return 1
	}
	return 0
}

func statusMarker(status string, fancy bool) string {
	if fancy {
		switch status {
		case "FAIL":
			return "❌"
		case "WARN":
			return "⚠️ "
		case "SKIP":
			return "⏩"
		default:
			return "✅"
		}
	}
	switch status {
	case "FAIL":
		return "[FAIL]"
	case "WARN":
		return "[WARN]"
	case "SKIP":
		return "[SKIP]"
	default:
		return "[ OK ]"
	}
}
