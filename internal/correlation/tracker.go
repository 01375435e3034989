package correlation

import "sync"

// Tracker is the correlation state of one upstream connection: the request
// its current run is working on plus the run's streaming flags. Each adapter
// connection owns its own Tracker, so concurrent connections never share a
// "current request".
type Tracker struct {
	mu sync.Mutex

	requestID       string
	runID           string
	streaming       bool
	toolSeen        bool
	lastUserMessage string
}

// TrackerState is a point-in-time copy of a Tracker.
type TrackerState struct {
	RequestID       string `json:"currentRequestId"`
	RunID           string `json:"currentRunId"`
	Streaming       bool   `json:"streaming"`
	ToolSeen        bool   `json:"toolSeen"`
	LastUserMessage string `json:"-"`
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestID
}

func (t *Tracker) Track(requestID string) {
	t.mu.Lock()
	t.requestID = requestID
	t.mu.Unlock()
}

// BeginRun records runID. When it differs from the run being tracked the
// per-run state is reset and true is returned.
func (t *Tracker) BeginRun(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if runID == "" || runID == t.runID {
		return false
	}
	t.runID = runID
	t.requestID = ""
	t.streaming = false
	t.toolSeen = false
	return true
}

// EndRun forgets the current run and request.
func (t *Tracker) EndRun() {
	t.mu.Lock()
	t.requestID = ""
	t.runID = ""
	t.streaming = false
	t.mu.Unlock()
}

// MarkStreaming reports whether this is the first assistant output of the
// run.
func (t *Tracker) MarkStreaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := !t.streaming
	t.streaming = true
	return first
}

// MarkToolSeen reports whether this is the first tool call since the last
// ResetTools.
func (t *Tracker) MarkToolSeen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := !t.toolSeen
	t.toolSeen = true
	return first
}

func (t *Tracker) ToolSeen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolSeen
}

func (t *Tracker) ResetTools() {
	t.mu.Lock()
	t.toolSeen = false
	t.mu.Unlock()
}

func (t *Tracker) SetLastUserMessage(text string) {
	t.mu.Lock()
	t.lastUserMessage = text
	t.mu.Unlock()
}

func (t *Tracker) LastUserMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUserMessage
}

func (t *Tracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerState{
		RequestID:       t.requestID,
		RunID:           t.runID,
		Streaming:       t.streaming,
		ToolSeen:        t.toolSeen,
		LastUserMessage: t.lastUserMessage,
	}
}
