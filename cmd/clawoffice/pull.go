package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/claw-office/internal/config"
)

// roster is the shape of a pulled file: either a list under agents or a
// single agent at the top level.
type roster struct {
	Agents            []config.AgentEntry `yaml:"agents"`
	config.AgentEntry `yaml:",inline"`
}

func (r roster) entries() []config.AgentEntry {
	if len(r.Agents) > 0 {
		return r.Agents
	}
	if r.ID != "" {
		return []config.AgentEntry{r.AgentEntry}
	}
	return nil
}

var pullClient = &http.Client{Timeout: 15 * time.Second}

func runPullCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clawoffice pull", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	force := fs.Bool("force", false, "replace agents that already exist")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, `Usage: clawoffice pull [--force] <url>

Fetches an agent roster and adds its agents to config.yaml.

Roster YAML (a single agent at the top level also works):
  agents:
    - id: py
      name: Py
      emoji: "🐍"
      role: engineer
      keywords: [python, script]
      hourly_rate: 120`)
		return 2
	}

	url := fs.Arg(0)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		fmt.Fprintln(os.Stderr, "Error: URL must start with http:// or https://")
		return 1
	}

	fmt.Printf("Fetching %s...\n", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	resp, err := pullClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to fetch: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: server returned %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		return 1
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		fmt.Fprintln(os.Stderr, "Error: URL returned HTML, not YAML. If using GitHub, use the 'Raw' URL.")
		return 1
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read response: %v\n", err)
		return 1
	}

	var r roster
	if err := yaml.Unmarshal(body, &r); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid YAML: %v\n", err)
		return 1
	}
	pulled := r.entries()
	if len(pulled) == 0 {
		fmt.Fprintln(os.Stderr, "Error: roster has no agents")
		return 1
	}
	for i, a := range pulled {
		if strings.TrimSpace(a.ID) == "" {
			fmt.Fprintf(os.Stderr, "Error: agent %d is missing required 'id' field\n", i+1)
			return 1
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	added, replaced, skipped, err := mergeAgents(config.ConfigPath(cfg.HomeDir), pulled, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	for _, id := range added {
		fmt.Printf("%s added @%s\n", styleOK.Render("✓"), id)
	}
	for _, id := range replaced {
		fmt.Printf("%s replaced @%s\n", styleWarn.Render("↻"), id)
	}
	for _, id := range skipped {
		fmt.Printf("%s kept existing @%s (use --force to replace)\n", styleDim.Render("-"), id)
	}
	fmt.Println("A running office picks up the new roster automatically.")
	return 0
}

// mergeAgents adds pulled agents to the agents list in config.yaml,
// leaving every other key untouched.
func mergeAgents(path string, pulled []config.AgentEntry, force bool) (added, replaced, skipped []string, err error) {
	raw, err := readRawConfig(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse config.yaml: %w", err)
	}
	existing, _ := raw["agents"].([]any)

	index := make(map[string]int, len(existing))
	for i, item := range existing {
		if m, ok := item.(map[string]any); ok {
			if id, ok := m["id"].(string); ok {
				index[id] = i
			}
		}
	}

	for _, a := range pulled {
		node, err := toNode(a)
		if err != nil {
			return nil, nil, nil, err
		}
		if i, ok := index[a.ID]; ok {
			if !force {
				skipped = append(skipped, a.ID)
				continue
			}
			existing[i] = node
			replaced = append(replaced, a.ID)
			continue
		}
		index[a.ID] = len(existing)
		existing = append(existing, node)
		added = append(added, a.ID)
	}
	raw["agents"] = existing
	if len(added)+len(replaced) == 0 {
		return added, replaced, skipped, nil
	}
	return added, replaced, skipped, writeRawConfig(path, raw)
}

// toNode round-trips an entry through YAML so it lands in the raw map with
// its yaml field names.
func toNode(a config.AgentEntry) (map[string]any, error) {
	b, err := yaml.Marshal(a)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
