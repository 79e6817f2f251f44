package store

import "time"

type ThreadStatus string

const (
	StatusIdle    ThreadStatus = "idle"
	StatusRunning ThreadStatus = "running"
	StatusDone    ThreadStatus = "done"
	StatusError   ThreadStatus = "error"
)

type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// terminal reports whether no further status transition is allowed.
func (s ToolStatus) terminal() bool {
	return s == ToolSuccess || s == ToolError
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ToolCall is one tool invocation inside a message. It is mutated in
// place as the subprocess reports progress and never removed.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
	// Summary is the one-line rendering of the typed input: the Bash
	// command, the edited file path, the grep pattern. Empty for tools
	// without a known schema.
	Summary string     `json:"summary,omitempty"`
	Output  string     `json:"output,omitempty"`
	Status  ToolStatus `json:"status"`
	// Expanded is view state, but it survives restarts so later renders
	// come back the way the user left them.
	Expanded  bool      `json:"expanded"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID           string      `json:"id"`
	Role         MessageRole `json:"role"`
	Content      string      `json:"content"`
	ToolCalls    []*ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int64       `json:"input_tokens,omitempty"`
	OutputTokens int64       `json:"output_tokens,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

type Thread struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	// WorkDir is the directory the CLI runs in. Differs from the
	// project's when the thread is worktree-isolated. Immutable once the
	// thread exists.
	WorkDir     string `json:"work_dir"`
	Branch      string `json:"branch,omitempty"`
	HasWorktree bool   `json:"has_worktree"`
	// Archived threads stay in the tree; the surface filters them out of
	// the default list.
	Archived     bool         `json:"archived"`
	Status       ThreadStatus `json:"status"`
	Messages     []*Message   `json:"messages"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WorkDir   string    `json:"work_dir"`
	Threads   []*Thread `json:"threads"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingPermission is the single outstanding approval for a thread.
// Ephemeral: never persisted.
type PendingPermission struct {
	ThreadID   string `json:"thread_id"`
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
}

// Snapshot is the persisted state surface: the full project tree plus
// selection pointers. Streaming flags, in-progress message pointers and
// pending permissions are deliberately absent.
type Snapshot struct {
	Projects        []*Project `json:"projects"`
	SelectedProject string     `json:"selected_project,omitempty"`
	SelectedThread  string     `json:"selected_thread,omitempty"`
}
