package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/claw-office/internal/audit"
	"github.com/basket/claw-office/internal/coordinator"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0-dev"

func printUsage() {
	name := os.Args[0]
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [serve]                  Run the office: HTTP API, live stream, gateway adapter
  %s status [-json]           Show health of a running office (/healthz)
  %s watch [-json]            Follow the live workflow stream
  %s doctor [-json]           Run diagnostic checks against the local config
  %s clear [-reason text]     Complete every active request and task
  %s repair                   Rewrite placeholder text in recorded events
  %s import [options]         Import a legacy .env file into config.yaml
                              Options: --path <file> (default: .env.local), --force
  %s pull <url>               Fetch an agent roster (YAML) and add it to config.yaml

FLAGS:
`, name, name, name, name, name, name, name, name, name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWOFFICE_HOME          Data directory (default: ~/.clawoffice)
  OPENCLAW_GATEWAY_URL     Upstream gateway WebSocket URL
  OPENCLAW_GATEWAY_TOKEN   Upstream gateway token
  TELEGRAM_BOT_TOKEN       Bot used for delegation notices
  TELEGRAM_CHAT_ID         Chat that receives them
  TELEGRAM_WEBHOOK_SECRET  Expected X-Telegram-Bot-Api-Secret-Token
  CLAWOFFICE_PACING_SCALE  0 disables UI pacing delays
`)
}

func main() {
	loadDotEnv(".env")
	loadDotEnv(".env.local")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		runServe(ctx)
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "watch":
		os.Exit(runWatchCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "clear":
		os.Exit(runActionCommand(ctx, coordinator.ActionClearPipeline, args))
	case "repair":
		os.Exit(runActionCommand(ctx, coordinator.ActionRepairEvents, args))
	case "import":
		os.Exit(runImportCommand(ctx, args))
	case "pull":
		os.Exit(runPullCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", audit.DecisionDeny, reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof names the occupying process on macOS/Linux.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from path that are not already in the
// environment. A missing file is ignored.
func loadDotEnv(path string) {
	kv, err := parseDotEnvFile(path)
	if err != nil {
		return
	}
	for key, val := range kv {
		if os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func parseDotEnvFile(path string) (map[string]string, error) {
	out := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" {
			continue
		}
		out[key] = val
	}
	return out, scanner.Err()
}
