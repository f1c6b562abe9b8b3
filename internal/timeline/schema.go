package timeline

import (
	"time"
)

// RunRecord is the persisted summary of one agent run.
type RunRecord struct {
	ID               int64      `json:"id"`
	RunID            string     `json:"run_id"`
	ParentRunID      string     `json:"parent_run_id,omitempty"`
	Depth            int        `json:"depth"`
	TraceID          string     `json:"trace_id,omitempty"`
	Source           string     `json:"source,omitempty"`
	Channel          string     `json:"channel,omitempty"`
	ChatID           string     `json:"chat_id,omitempty"`
	SenderID         string     `json:"sender_id,omitempty"`
	Task             string     `json:"task"`
	Status           string     `json:"status"`
	Answer           string     `json:"answer,omitempty"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	ErrorText        string     `json:"error_text,omitempty"`
	Turns            int        `json:"turns"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	ProviderID       string     `json:"provider_id,omitempty"`
	ModelName        string     `json:"model_name,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Run statuses as stored.
const (
	RunStatusRunning        = "running"
	RunStatusCompleted      = "completed"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
	RunStatusTimedOut       = "timed_out"
	RunStatusBudgetExceeded = "budget_exceeded"
)

// RunEventRecord is one persisted run event.
type RunEventRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Type      string    `json:"type"`
	Turn      int       `json:"turn"`
	Data      string    `json:"data,omitempty"` // JSON
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalRecord is the audit row for one approval request.
type ApprovalRecord struct {
	ID             int64      `json:"id"`
	ApprovalID     string     `json:"approval_id"`
	RunID          string     `json:"run_id"`
	CallID         string     `json:"call_id"`
	Tool           string     `json:"tool"`
	Params         string     `json:"params,omitempty"`          // JSON
	ModifiedParams string     `json:"modified_params,omitempty"` // JSON
	TraceID        string     `json:"trace_id,omitempty"`
	Channel        string     `json:"channel,omitempty"`
	ChatID         string     `json:"chat_id,omitempty"`
	SenderID       string     `json:"sender_id,omitempty"`
	State          string     `json:"state"`
	Responder      string     `json:"responder,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Approval states as stored.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalExpired  = "expired"
)

// TokenUsageRecord is the per-day, per-provider usage counter.
type TokenUsageRecord struct {
	Day              string `json:"day"` // YYYY-MM-DD (UTC)
	ProviderID       string `json:"provider_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Requests         int64  `json:"requests"`
}

// FactRecord is one stored memory fact.
type FactRecord struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Tags      string    `json:"tags,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduledJobRecord tracks the last run of a scheduled job.
type ScheduledJobRecord struct {
	JobName   string    `json:"job_name"`
	LastRunAt time.Time `json:"last_run_at"`
	LastOK    bool      `json:"last_ok"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT UNIQUE NOT NULL,
	parent_run_id TEXT,
	depth INTEGER NOT NULL DEFAULT 0,
	trace_id TEXT,
	source TEXT,
	channel TEXT,
	chat_id TEXT,
	sender_id TEXT,
	task TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	answer TEXT,
	error_kind TEXT,
	error_text TEXT,
	turns INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	provider_id TEXT,
	model_name TEXT,
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);
CREATE INDEX IF NOT EXISTS idx_runs_trace ON runs(trace_id);

CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	turn INTEGER NOT NULL DEFAULT 0,
	data TEXT,
	timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);

CREATE TABLE IF NOT EXISTS approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	approval_id TEXT UNIQUE NOT NULL,
	run_id TEXT NOT NULL,
	call_id TEXT,
	tool TEXT NOT NULL,
	params TEXT,
	modified_params TEXT,
	trace_id TEXT,
	channel TEXT,
	chat_id TEXT,
	sender_id TEXT,
	state TEXT NOT NULL DEFAULT 'pending',
	responder TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	resolved_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_approvals_state ON approvals(state);
CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);

CREATE TABLE IF NOT EXISTS token_usage (
	day TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	requests INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (day, provider_id)
);

CREATE TABLE IF NOT EXISTS memory_facts (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'user',
	tags TEXT DEFAULT '',
	run_id TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_memory_facts_source ON memory_facts(source);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	job_name TEXT PRIMARY KEY,
	last_run_at DATETIME,
	last_ok BOOLEAN NOT NULL DEFAULT 1,
	last_error TEXT,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
