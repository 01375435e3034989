package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clawoffice doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going: the config check reports what is wrong.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Print(renderDiagnosis(diag))
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func renderDiagnosis(diag doctor.Diagnosis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", styleTitle.Render("Claw Office Doctor"), styleDim.Render("("+diag.Timestamp.Format(time.RFC3339)+")"))
	fmt.Fprintf(&b, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	b.WriteString("---\n")
	for _, res := range diag.Results {
		var icon string
		switch res.Status {
		case doctor.StatusFail:
			icon = styleFail.Render("✗")
		case doctor.StatusWarn:
			icon = styleWarn.Render("!")
		case doctor.StatusSkip:
			icon = styleDim.Render("-")
		default:
			icon = styleOK.Render("✓")
		}
		fmt.Fprintf(&b, "%s %-12s %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(&b, "    %s\n", styleDim.Render(res.Detail))
		}
	}
	return b.String()
}
