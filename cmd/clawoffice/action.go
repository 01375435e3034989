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
	"github.com/basket/claw-office/internal/coordinator"
)

// runActionCommand posts a maintenance action to the running office so the
// change reaches live subscribers.
func runActionCommand(ctx context.Context, action string, args []string) int {
	fs := flag.NewFlagSet("clawoffice "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var reason *string
	if action == coordinator.ActionClearPipeline {
		reason = fs.String("reason", "Session reset", "reason recorded with the cleared work")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	payload := map[string]string{"action": action}
	if reason != nil {
		payload["reason"] = *reason
	}
	raw, _ := json.Marshal(payload)
	req, err := newAPIRequest(ctx, cfg, http.MethodPost, "/api/workflow", strings.NewReader(string(raw)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v (is `clawoffice serve` running?)\n", action, err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		fmt.Fprintf(os.Stderr, "%s: %s (%d)\n", action, msg, resp.StatusCode)
		return 1
	}
	fmt.Println(summarizeAction(action, body))
	return 0
}

func summarizeAction(action string, body []byte) string {
	switch action {
	case coordinator.ActionClearPipeline:
		var res coordinator.ClearResult
		if json.Unmarshal(body, &res) == nil {
			return styleOK.Render("✓") + fmt.Sprintf(" cleared %s and %s", plural(res.Cleared, "request"), plural(int(res.ClearedTasks), "task"))
		}
	case coordinator.ActionRepairEvents:
		var res coordinator.RepairResult
		if json.Unmarshal(body, &res) == nil {
			return styleOK.Render("✓") + " " + res.Message
		}
	}
	return strings.TrimSpace(string(body))
}
