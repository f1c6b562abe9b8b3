// Package timeline is the sqlite store behind run history, approval audit,
// token usage counters and memory facts.
package timeline

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("timeline: not found")

type TimelineService struct {
	db  *sql.DB
	now func() time.Time
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migration for dbs created before model tracking.
	_, _ = db.Exec(`ALTER TABLE runs ADD COLUMN model_name TEXT`)

	return &TimelineService{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB for shared access.
func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// --- Settings ---

// GetSetting returns a setting value by key.
func (s *TimelineService) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSetting persists a setting value.
func (s *TimelineService) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, s.now())
	return err
}

// --- Runs ---

// CreateRun inserts a run in the running state.
func (s *TimelineService) CreateRun(r *RunRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	if r.Status == "" {
		r.Status = RunStatusRunning
	}
	_, err := s.db.Exec(`INSERT INTO runs
		(run_id, parent_run_id, depth, trace_id, source, channel, chat_id, sender_id, task, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ParentRunID, r.Depth, r.TraceID, r.Source, r.Channel, r.ChatID, r.SenderID,
		r.Task, r.Status, r.StartedAt.UTC())
	return err
}

// FinishRun records the terminal outcome of a run.
func (s *TimelineService) FinishRun(r *RunRecord) error {
	finished := s.now()
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC()
	}
	res, err := s.db.Exec(`UPDATE runs SET status = ?, answer = ?, error_kind = ?, error_text = ?,
		turns = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
		provider_id = ?, model_name = ?, finished_at = ?
		WHERE run_id = ?`,
		r.Status, r.Answer, r.ErrorKind, r.ErrorText,
		r.Turns, r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.ProviderID, r.ModelName, finished, r.RunID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, run_id, COALESCE(parent_run_id,''), depth, COALESCE(trace_id,''),
	COALESCE(source,''), COALESCE(channel,''), COALESCE(chat_id,''), COALESCE(sender_id,''),
	task, status, COALESCE(answer,''), COALESCE(error_kind,''), COALESCE(error_text,''),
	turns, prompt_tokens, completion_tokens, total_tokens,
	COALESCE(provider_id,''), COALESCE(model_name,''), started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.RunID, &r.ParentRunID, &r.Depth, &r.TraceID,
		&r.Source, &r.Channel, &r.ChatID, &r.SenderID,
		&r.Task, &r.Status, &r.Answer, &r.ErrorKind, &r.ErrorText,
		&r.Turns, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		&r.ProviderID, &r.ModelName, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

// GetRun returns a run by id.
func (s *TimelineService) GetRun(runID string) (*RunRecord, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status      string
	ParentRunID string
	Limit       int
	Offset      int
}

// ListRuns returns runs, newest first.
func (s *TimelineService) ListRuns(f RunFilter) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.ParentRunID != "" {
		query += " AND parent_run_id = ?"
		args = append(args, f.ParentRunID)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MarkInterruptedRuns closes runs left in the running state by a previous
// process. Returns how many rows changed.
func (s *TimelineService) MarkInterruptedRuns() (int64, error) {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, error_kind = 'cancelled', error_text = 'process restarted', finished_at = ?
		WHERE status = ?`, RunStatusCancelled, s.now(), RunStatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Run events ---

// AddRunEvent appends one event.
func (s *TimelineService) AddRunEvent(e *RunEventRecord) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	_, err := s.db.Exec(`INSERT INTO run_events (run_id, seq, type, turn, data, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Seq, e.Type, e.Turn, e.Data, e.Timestamp.UTC())
	return err
}

// ListRunEvents returns a run's events in emission order.
func (s *TimelineService) ListRunEvents(runID string) ([]RunEventRecord, error) {
	rows, err := s.db.Query(`SELECT id, run_id, seq, type, turn, COALESCE(data,''), timestamp
		FROM run_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEventRecord
	for rows.Next() {
		var e RunEventRecord
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.Type, &e.Turn, &e.Data, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Approvals ---

// InsertApproval persists a new pending approval request.
func (s *TimelineService) InsertApproval(a *ApprovalRecord) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.State == "" {
		a.State = ApprovalPending
	}
	_, err := s.db.Exec(`INSERT INTO approvals
		(approval_id, run_id, call_id, tool, params, trace_id, channel, chat_id, sender_id, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.RunID, a.CallID, a.Tool, a.Params, a.TraceID, a.Channel, a.ChatID, a.SenderID,
		a.State, a.CreatedAt.UTC())
	return err
}

// ResolveApproval records the decision for a pending request. Rows that
// are no longer pending are left untouched.
func (s *TimelineService) ResolveApproval(approvalID, state, responder, modifiedParams string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE approvals SET state = ?, responder = ?, modified_params = ?, resolved_at = ?
		WHERE approval_id = ? AND state = ?`,
		state, responder, modifiedParams, at.UTC(), approvalID, ApprovalPending)
	return err
}

const approvalColumns = `id, approval_id, run_id, COALESCE(call_id,''), tool, COALESCE(params,''),
	COALESCE(modified_params,''), COALESCE(trace_id,''), COALESCE(channel,''), COALESCE(chat_id,''),
	COALESCE(sender_id,''), state, COALESCE(responder,''), created_at, resolved_at`

func scanApproval(row scanner) (*ApprovalRecord, error) {
	var a ApprovalRecord
	var resolved sql.NullTime
	if err := row.Scan(&a.ID, &a.ApprovalID, &a.RunID, &a.CallID, &a.Tool, &a.Params,
		&a.ModifiedParams, &a.TraceID, &a.Channel, &a.ChatID,
		&a.SenderID, &a.State, &a.Responder, &a.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	if resolved.Valid {
		a.ResolvedAt = &resolved.Time
	}
	return &a, nil
}

// GetApproval returns one approval by id.
func (s *TimelineService) GetApproval(approvalID string) (*ApprovalRecord, error) {
	a, err := scanApproval(s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?`, approvalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListApprovals returns approvals in creation order, optionally filtered by
// state and run.
func (s *TimelineService) ListApprovals(state, runID string, limit int) ([]ApprovalRecord, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1=1`
	args := []any{}
	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}
	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ExpirePendingApprovals marks every pending request expired. Called at
// startup: no run from a previous process can still be waiting.
func (s *TimelineService) ExpirePendingApprovals() (int64, error) {
	res, err := s.db.Exec(`UPDATE approvals SET state = ?, responder = 'system', resolved_at = ? WHERE state = ?`,
		ApprovalExpired, s.now(), ApprovalPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Token usage ---

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// AddTokenUsage adds one provider call's usage to today's counter.
func (s *TimelineService) AddTokenUsage(providerID string, prompt, completion, total int) error {
	_, err := s.db.Exec(`INSERT INTO token_usage (day, provider_id, prompt_tokens, completion_tokens, total_tokens, requests)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(day, provider_id) DO UPDATE SET
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			total_tokens = total_tokens + excluded.total_tokens,
			requests = requests + 1`,
		day(s.now()), providerID, prompt, completion, total)
	return err
}

// GetDailyTokenUsage returns today's total tokens across providers.
func (s *TimelineService) GetDailyTokenUsage() (int64, error) {
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(total_tokens), 0) FROM token_usage WHERE day = ?`, day(s.now())).Scan(&total)
	return total, err
}

// ListTokenUsage returns per-provider counters for the last n days.
func (s *TimelineService) ListTokenUsage(days int) ([]TokenUsageRecord, error) {
	if days <= 0 {
		days = 1
	}
	since := day(s.now().AddDate(0, 0, -(days - 1)))
	rows, err := s.db.Query(`SELECT day, provider_id, prompt_tokens, completion_tokens, total_tokens, requests
		FROM token_usage WHERE day >= ? ORDER BY day DESC, provider_id ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TokenUsageRecord
	for rows.Next() {
		var u TokenUsageRecord
		if err := rows.Scan(&u.Day, &u.ProviderID, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.Requests); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Memory facts ---

// InsertFact stores a fact.
func (s *TimelineService) InsertFact(f *FactRecord) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	if f.Source == "" {
		f.Source = "user"
	}
	_, err := s.db.Exec(`INSERT INTO memory_facts (id, content, source, tags, run_id, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		f.ID, f.Content, f.Source, f.Tags, f.RunID, f.CreatedAt.UTC())
	return err
}

// SearchFacts returns facts whose content or tags contain any of terms,
// newest first. No terms returns the newest facts.
func (s *TimelineService) SearchFacts(terms []string, limit int) ([]FactRecord, error) {
	query := `SELECT id, content, source, COALESCE(tags,''), COALESCE(run_id,''), created_at FROM memory_facts`
	args := []any{}
	var clauses []string
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		clauses = append(clauses, "content LIKE ? ESCAPE '\\' OR tags LIKE ? ESCAPE '\\'")
		like := "%" + escapeLike(term) + "%"
		args = append(args, like, like)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " OR ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FactRecord
	for rows.Next() {
		var f FactRecord
		if err := rows.Scan(&f.ID, &f.Content, &f.Source, &f.Tags, &f.RunID, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFact removes a fact by id.
func (s *TimelineService) DeleteFact(id string) error {
	_, err := s.db.Exec(`DELETE FROM memory_facts WHERE id = ?`, id)
	return err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(strings.ToLower(s))
}

// --- Scheduled jobs ---

// UpsertScheduledJob records the latest run of a scheduled job.
func (s *TimelineService) UpsertScheduledJob(jobName string, runAt time.Time, runErr error) error {
	ok := runErr == nil
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err := s.db.Exec(`INSERT INTO scheduled_jobs (job_name, last_run_at, last_ok, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_name) DO UPDATE SET last_run_at = excluded.last_run_at, last_ok = excluded.last_ok,
			last_error = excluded.last_error, updated_at = excluded.updated_at`,
		jobName, runAt.UTC(), ok, errText, s.now())
	return err
}

// GetScheduledJob returns the last-run record for a job.
func (s *TimelineService) GetScheduledJob(jobName string) (*ScheduledJobRecord, error) {
	var r ScheduledJobRecord
	err := s.db.QueryRow(`SELECT job_name, last_run_at, last_ok, COALESCE(last_error,''), updated_at
		FROM scheduled_jobs WHERE job_name = ?`, jobName).
		Scan(&r.JobName, &r.LastRunAt, &r.LastOK, &r.LastError, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
