package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/coordinator"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

// A half-open connection can look healthy forever; no frame or heartbeat
// within this window forces a reconnect.
const defaultWatchSilence = 30 * time.Second

var errStreamSilent = errors.New("no frame or heartbeat received")

type streamWatcher struct {
	cfg     config.Config
	out     io.Writer
	client  *http.Client
	silence time.Duration
	raw     bool
	// connects counts stream attempts; tests read it.
	connects atomic.Int32
}

func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clawoffice watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	raw := fs.Bool("json", false, "print frames as raw JSON lines")
	silence := fs.Duration("silence", defaultWatchSilence, "reconnect after this long without a frame")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || *silence <= 0 {
		fmt.Fprintln(os.Stderr, "usage: clawoffice watch [-json] [-silence 30s]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	w := &streamWatcher{
		cfg:     cfg,
		out:     os.Stdout,
		client:  &http.Client{},
		silence: *silence,
		raw:     *raw,
	}
	w.run(ctx)
	return 0
}

// run keeps a stream open until ctx ends, reconnecting with exponential
// backoff. A connection that delivered frames resets the backoff.
func (w *streamWatcher) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second

	for {
		delivered, err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			b.Reset()
		}
		wait := b.NextBackOff()
		fmt.Fprintf(os.Stderr, "%s %v; reconnecting in %s\n", styleWarn.Render("stream:"), err, wait.Round(time.Millisecond))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// watchOnce reads one stream connection until it fails, the server closes
// it, or it stays silent for longer than w.silence.
func (w *streamWatcher) watchOnce(ctx context.Context) (bool, error) {
	w.connects.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := newAPIRequest(ctx, w.cfg, http.MethodGet, "/api/workflow/stream", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := w.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("stream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var silent atomic.Bool
	idle := time.AfterFunc(w.silence, func() {
		silent.Store(true)
		cancel()
	})
	defer idle.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var (
		event     string
		data      strings.Builder
		delivered bool
	)
	for scanner.Scan() {
		idle.Reset(w.silence)
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				w.render(event, data.String())
				delivered = true
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if silent.Load() {
		return delivered, errStreamSilent
	}
	if err := scanner.Err(); err != nil {
		return delivered, err
	}
	return delivered, errors.New("stream closed by server")
}

func (w *streamWatcher) render(event, data string) {
	if w.raw {
		fmt.Fprintf(w.out, "{\"event\":%q,\"data\":%s}\n", event, data)
		return
	}
	fmt.Fprintln(w.out, renderFrame(event, []byte(data)))
}

// renderFrame formats one stream frame for a terminal. Frames that do not
// decode are printed as-is.
func renderFrame(event string, data []byte) string {
	switch event {
	case "snapshot":
		var snap coordinator.Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			var b strings.Builder
			fmt.Fprintf(&b, "%s %s, %s, %s",
				styleTitle.Render("snapshot"),
				plural(len(snap.Requests), "request"),
				plural(len(snap.Tasks), "active task"),
				plural(len(snap.Events), "event"))
			for _, r := range snap.Requests {
				b.WriteString("\n" + row(string(r.State), r.ID+"  "+styleDim.Render(shared.Snippet(r.Content, 50))))
			}
			return b.String()
		}
	case "activity":
		var ev persistence.Event
		if err := json.Unmarshal(data, &ev); err == nil {
			who := ev.AgentName
			if who == "" {
				who = ev.Agent
			}
			return fmt.Sprintf("%s  %s  %s  %s",
				styleDim.Render(ev.Timestamp.Local().Format("15:04:05")),
				styleLabel.Render(ev.State),
				who,
				ev.Message)
		}
	case "request":
		var r persistence.Request
		if err := json.Unmarshal(data, &r); err == nil {
			line := fmt.Sprintf("%s %s → %s", styleDim.Render("request"), r.ID, r.State)
			if r.AssignedTo != "" {
				line += " (" + r.AssignedTo + ")"
			}
			return line
		}
	case "task":
		var t persistence.Task
		if err := json.Unmarshal(data, &t); err == nil {
			return fmt.Sprintf("%s %s → %s (%s) %s", styleDim.Render("task"), t.ID, t.Status, t.AssignedAgent, shared.Truncate(t.Title, 40))
		}
	case "message":
		var m persistence.Message
		if err := json.Unmarshal(data, &m); err == nil {
			return fmt.Sprintf("%s %s: %s", styleDim.Render("message"), m.From, m.Message)
		}
	}
	return event + " " + string(data)
}
