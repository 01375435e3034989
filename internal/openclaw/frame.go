package openclaw

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/basket/claw-office/internal/schema"
	"github.com/basket/claw-office/internal/shared"
)

const (
	protocolVersion = 3
	connectID       = "connect-1"
	clientID        = "openclaw-control-ui"
	clientVersion   = "1.0.0"
	userAgent       = "claw-office/0.1.0"
)

// frameSchema is the envelope every upstream frame must satisfy. Payloads
// are checked by the handlers that read them.
var frameSchema = schema.MustCompile("openclaw_frame", []byte(`{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["event", "req", "res"]},
		"id": {"type": ["string", "integer"]},
		"event": {"type": "string", "minLength": 1},
		"method": {"type": "string"},
		"ok": {"type": "boolean"}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "event"}}},
			"then": {"required": ["event"]}
		}
	]
}`))

// frame is the envelope of the gateway protocol.
type frame struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	Params  any             `json:"params,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func decodeFrame(data []byte) (frame, error) {
	if err := frameSchema.Validate(data); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (f frame) id() string {
	return strings.Trim(string(f.ID), `"`)
}

// isConnectResponse matches the answer to our connect request.
func (f frame) isConnectResponse() bool {
	return f.id() == connectID || (f.Type == "res" && f.Method == "connect")
}

// accepted reports whether a connect response grants the session. An
// explicit ok or a result wins; otherwise anything without an error does.
func (f frame) accepted() bool {
	if f.OK != nil && *f.OK {
		return true
	}
	if present(f.Result) {
		return true
	}
	return !present(f.Error)
}

func present(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "false"
}

type clientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type connectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      clientInfo     `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
	Commands    []string       `json:"commands"`
	Permissions map[string]any `json:"permissions"`
	Auth        connectAuth    `json:"auth"`
	Locale      string         `json:"locale"`
	UserAgent   string         `json:"userAgent"`
}

func connectRequest(token string) frame {
	return frame{
		Type:   "req",
		ID:     json.RawMessage(`"` + connectID + `"`),
		Method: "connect",
		Params: connectParams{
			MinProtocol: protocolVersion,
			MaxProtocol: protocolVersion,
			Client:      clientInfo{ID: clientID, Version: clientVersion, Platform: "go", Mode: "ui"},
			Role:        "operator",
			Scopes:      []string{"operator.read"},
			Caps:        []string{},
			Commands:    []string{},
			Permissions: map[string]any{},
			Auth:        connectAuth{Token: token},
			Locale:      "en-US",
			UserAgent:   userAgent,
		},
	}
}

// agentEvent is the payload of an "agent" event.
type agentEvent struct {
	Stream     string    `json:"stream"`
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey"`
	Data       agentData `json:"data"`
}

// agentData is the union of the per-stream data fields.
type agentData struct {
	Phase   string         `json:"phase"`
	State   string         `json:"state"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args"`
	Text    any            `json:"text"`
	Content any            `json:"content"`
}

// userText returns the text of a user stream entry.
func (d agentData) userText() string {
	if s, ok := d.Text.(string); ok && s != "" {
		return s
	}
	if s, ok := d.Content.(string); ok {
		return s
	}
	return ""
}

type chatEvent struct {
	State string `json:"state"`
	RunID string `json:"runId"`
}

func arg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func or(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// toolLabel renders a tool call as an activity line.
func toolLabel(name string, args map[string]any) string {
	file := func() string { return path.Base(or(arg(args, "path", "file_path"), "file")) }
	switch strings.ToLower(name) {
	case "read":
		return clip("📄 Reading: "+file(), 60)
	case "write":
		return clip("✍️ Writing: "+file(), 60)
	case "edit":
		return clip("📝 Editing: "+file(), 60)
	case "exec":
		return "💻 Exec: " + clip(shared.Redact(arg(args, "command")), 40)
	case "web_search":
		return "🔍 Searching: " + clip(or(arg(args, "query"), "web"), 40)
	case "web_fetch":
		return "🌐 Fetching: " + clip(shared.Redact(or(arg(args, "url"), "URL")), 40)
	case "browser":
		return "🖥️ Browser: " + or(arg(args, "action"), "action")
	case spawnTool:
		return "🚀 Spawning sub-agent..."
	case "cron":
		return "⏰ Cron: " + or(arg(args, "action"), "action")
	case "message":
		return "💬 Messaging..."
	case "gateway":
		return "⚙️ Gateway: " + or(arg(args, "action"), "action")
	}
	return "🛠️ " + or(name, "Tool")
}
