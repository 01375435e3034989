package coordinator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/persistence"
)

// MessageID is an upstream chat message id. Clients send it either as a
// JSON number or as a numeric string.
type MessageID int64

func (m *MessageID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("messageId: %w", err)
	}
	*m = MessageID(n)
	return nil
}

type StartFlowInput struct {
	Content     string    `json:"content"`
	From        string    `json:"from,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	MessageID   MessageID `json:"messageId,omitempty"`
	DelegatedTo string    `json:"delegatedTo,omitempty"`
	ChainID     string    `json:"chainId,omitempty"`
}

type StartFlowResult struct {
	Success           bool   `json:"success"`
	RequestID         string `json:"requestId"`
	TaskID            string `json:"taskId,omitempty"`
	ChainID           string `json:"chainId"`
	Adopted           bool   `json:"adopted"`
	AlreadyCompleted  bool   `json:"alreadyCompleted,omitempty"`
	Message           string `json:"message"`
	Agent             string `json:"agent"`
	Delegated         bool   `json:"delegated"`
	ChainContinuation bool   `json:"chainContinuation"`
	PreviousAgent     string `json:"previousAgent,omitempty"`
}

type AgentCompleteInput struct {
	Agent   string `json:"agent"`
	Result  string `json:"result,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

type DelegateCompleteInput struct {
	TaskID    string `json:"taskId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Result    string `json:"result,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

type CompleteResult struct {
	Success          bool    `json:"success"`
	RequestID        string  `json:"requestId,omitempty"`
	TaskID           string  `json:"taskId,omitempty"`
	Savings          float64 `json:"savings"`
	TaskTimeMs       int64   `json:"taskTimeMs"`
	AlreadyCompleted bool    `json:"alreadyCompleted,omitempty"`
	Noop             bool    `json:"noop,omitempty"`
	Message          string  `json:"message,omitempty"`
}

type QuickFlowInput struct {
	Content        string    `json:"content"`
	Agent          string    `json:"agent"`
	From           string    `json:"from,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	AutoComplete   *bool     `json:"autoComplete,omitempty"`
	WorkDurationMs int64     `json:"workDurationMs,omitempty"`
	TokensInput    int64     `json:"tokensInput,omitempty"`
	TokensOutput   int64     `json:"tokensOutput,omitempty"`
	Notify         bool      `json:"notify,omitempty"`
	NotifyDetails  []string  `json:"notifyDetails,omitempty"`
	MessageID      MessageID `json:"messageId,omitempty"`
}

type QuickFlowResult struct {
	Success               bool   `json:"success"`
	RequestID             string `json:"requestId"`
	TaskID                string `json:"taskId"`
	Message               string `json:"message"`
	Agent                 string `json:"agent"`
	Adopted               bool   `json:"adopted"`
	EstimatedCompletionMs *int64 `json:"estimatedCompletionMs"`
}

// StepInput is the body of the legacy one-step actions.
type StepInput struct {
	RequestID    string          `json:"requestId,omitempty"`
	Content      string          `json:"content,omitempty"`
	From         string          `json:"from,omitempty"`
	Target       string          `json:"target,omitempty"`
	Analysis     *agent.Decision `json:"analysis,omitempty"`
	Result       string          `json:"result,omitempty"`
	TokensInput  int64           `json:"tokensInput,omitempty"`
	TokensOutput int64           `json:"tokensOutput,omitempty"`
}

// Animation tells a viewer which hand-off to draw.
type Animation struct {
	From      string `json:"from"`
	To        string `json:"to"`
	TaskTitle string `json:"taskTitle"`
}

type StepResult struct {
	Success          bool                 `json:"success"`
	Request          *persistence.Request `json:"request,omitempty"`
	Task             *persistence.TaskRef `json:"task,omitempty"`
	Analysis         *agent.Decision      `json:"analysis,omitempty"`
	AssignedTo       string               `json:"assignedTo,omitempty"`
	IsSelfAssigned   *bool                `json:"isSelfAssigned,omitempty"`
	Agent            string               `json:"agent,omitempty"`
	Animation        *Animation           `json:"animation,omitempty"`
	NextState        string               `json:"nextState,omitempty"`
	Savings          *float64             `json:"savings,omitempty"`
	TaskTimeMs       *int64               `json:"taskTimeMs,omitempty"`
	AlreadyCompleted bool                 `json:"alreadyCompleted,omitempty"`
	Cleaned          *int                 `json:"cleaned,omitempty"`
	Message          string               `json:"message,omitempty"`
}

type ClearResult struct {
	Success      bool  `json:"success"`
	Cleared      int   `json:"cleared"`
	ClearedTasks int64 `json:"clearedTasks"`
}

type RepairResult struct {
	Success bool   `json:"success"`
	Fixed   int    `json:"fixed"`
	Message string `json:"message"`
}

// Snapshot is what a new stream subscriber receives first.
type Snapshot struct {
	Events   []persistence.Event   `json:"events"`
	Requests []persistence.Request `json:"requests"`
	Tasks    []persistence.Task    `json:"tasks"`
}

// Overview is the default workflow read.
type Overview struct {
	Requests []persistence.Request `json:"requests"`
	Events   []persistence.Event   `json:"events"`
	Tasks    []persistence.Task    `json:"tasks"`
}

// WebhookMessage is an inbound chat message already reduced to text.
type WebhookMessage struct {
	MessageID int64
	Text      string
	Sender    string
}

type IngestResult struct {
	RequestID string
	Created   bool
	Duplicate bool
}

type AssignInput struct {
	Agent         string    `json:"agent"`
	Reason        string    `json:"reason,omitempty"`
	Content       string    `json:"content,omitempty"`
	MessageID     MessageID `json:"messageId,omitempty"`
	Notify        bool      `json:"notify,omitempty"`
	NotifyDetails []string  `json:"notifyDetails,omitempty"`
}

type AssignResult struct {
	Success   bool   `json:"success"`
	RequestID string `json:"requestId"`
	Agent     string `json:"agent"`
	Message   string `json:"message"`
}

type ExternalCompleteInput struct {
	RequestID string    `json:"requestId,omitempty"`
	MessageID MessageID `json:"messageId,omitempty"`
	Result    string    `json:"result,omitempty"`
}

type ExternalCompleteResult struct {
	Success          bool   `json:"success"`
	RequestID        string `json:"requestId"`
	AlreadyCompleted bool   `json:"alreadyCompleted,omitempty"`
}

// PassiveOutcome reports what a passive completion did.
type PassiveOutcome string

const (
	PassiveCompleted        PassiveOutcome = "completed"
	PassiveAlreadyCompleted PassiveOutcome = "already_completed"
	PassiveDelegated        PassiveOutcome = "delegated"
	PassiveNothing          PassiveOutcome = "nothing"
)
