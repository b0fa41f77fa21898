package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/basket/hookrouter/internal/doctor"
)

func runDoctorCommand(ctx context.Context, sources []string, args []string, stdout, stderr io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	diag := doctor.Run(ctx, doctor.Options{Sources: sources}, Version)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "hookrouter doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s), %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(stdout, "[%s] %-15s: %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "    %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
