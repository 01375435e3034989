package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/basket/claw-office/internal/config"
)

type healthReport struct {
	Status  string  `json:"status"`
	Service string  `json:"service"`
	Uptime  float64 `json:"uptime"`
	DBOK    bool    `json:"db_ok"`
	Gateway struct {
		Connected bool   `json:"connected"`
		URL       string `json:"url"`
	} `json:"gateway"`
	Agents struct {
		Count int      `json:"count"`
		IDs   []string `json:"ids"`
	} `json:"agents"`
	Config struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	} `json:"config"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clawoffice status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print the raw health JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawoffice status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	req, err := newAPIRequest(ctx, cfg, http.MethodGet, "/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	code := 0
	if resp.StatusCode != http.StatusOK {
		code = 1
	}
	if *jsonOutput {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = os.Stdout.Write([]byte("\n"))
		}
		return code
	}

	var h healthReport
	if err := json.Unmarshal(body, &h); err != nil {
		fmt.Fprintf(os.Stderr, "status: unexpected response (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}
	fmt.Println(renderHealth(h))
	return code
}

func renderHealth(h healthReport) string {
	var b strings.Builder
	state := styleOK.Render(h.Status)
	if h.Status != "healthy" {
		state = styleFail.Render(h.Status)
	}
	fmt.Fprintf(&b, "%s  %s  %s\n", styleTitle.Render(h.Service), state, styleDim.Render("up "+formatUptime(h.Uptime)))

	db := styleOK.Render("ok")
	if !h.DBOK {
		db = styleFail.Render("unreachable")
	}
	b.WriteString(row("database", db) + "\n")

	switch {
	case h.Gateway.URL == "" || h.Gateway.URL == "not configured":
		b.WriteString(row("gateway", styleDim.Render("disabled")) + "\n")
	case h.Gateway.Connected:
		b.WriteString(row("gateway", styleOK.Render("connected")+"  "+styleDim.Render(h.Gateway.URL)) + "\n")
	default:
		b.WriteString(row("gateway", styleWarn.Render("reconnecting")+"  "+styleDim.Render(h.Gateway.URL)) + "\n")
	}

	b.WriteString(row("agents", fmt.Sprintf("%s %s", plural(h.Agents.Count, "agent"), styleDim.Render(strings.Join(h.Agents.IDs, ", ")))) + "\n")

	if h.Config.Valid {
		b.WriteString(row("config", styleOK.Render("valid")))
	} else {
		b.WriteString(row("config", styleWarn.Render(strings.Join(h.Config.Errors, "; "))))
	}
	return b.String()
}
