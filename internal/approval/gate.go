// Package approval pauses gated tool calls until someone approves, denies,
// or the request times out.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"

	"github.com/KafClaw/agentcore/internal/bus"
	"github.com/KafClaw/agentcore/internal/timeline"
)

// DefaultTimeout is how long a request stays pending before it expires.
const DefaultTimeout = 5 * time.Minute

// retention is how long a resolved decision stays answerable in memory.
const retention = 10 * time.Minute

// ErrNotFound is returned by Resolve for ids the gate has never seen.
var ErrNotFound = errors.New("approval request not found")

// State is the lifecycle state of a request.
type State string

const (
	StatePending  State = timeline.ApprovalPending
	StateApproved State = timeline.ApprovalApproved
	StateDenied   State = timeline.ApprovalDenied
	StateExpired  State = timeline.ApprovalExpired
)

// Request is a tool call waiting for a decision.
type Request struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	Route     bus.Route      `json:"route"`
	CreatedAt time.Time      `json:"created_at"`
}

// Decision is the outcome of a request.
type Decision struct {
	ID             string         `json:"id"`
	State          State          `json:"state"`
	Responder      string         `json:"responder,omitempty"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	ResolvedAt     time.Time      `json:"resolved_at"`
}

// Approved reports whether the tool may run.
func (d Decision) Approved() bool { return d.State == StateApproved }

// Store is the audit trail. *timeline.TimelineService satisfies it.
type Store interface {
	InsertApproval(a *timeline.ApprovalRecord) error
	ResolveApproval(approvalID, state, responder, modifiedParams string, at time.Time) error
	GetApproval(approvalID string) (*timeline.ApprovalRecord, error)
	ExpirePendingApprovals() (int64, error)
}

type pending struct {
	req  Request
	ch   chan Decision
	once sync.Once
	dec  Decision
}

// Gate holds pending requests. Requests are keyed independently, so many
// runs can wait while any transport resolves.
type Gate struct {
	pending  *haxmap.Map[string, *pending]
	resolved *haxmap.Map[string, Decision]
	store    Store
	timeout  time.Duration
	now      func() time.Time

	// OnRequest and OnResolve are optional hooks, set before first use.
	OnRequest func(Request)
	OnResolve func(Request, Decision)
}

// NewGate creates a gate. Store may be nil. Requests persisted as pending
// by a previous process are marked expired.
func NewGate(store Store, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Gate{
		pending:  haxmap.New[string, *pending](),
		resolved: haxmap.New[string, Decision](),
		store:    store,
		timeout:  timeout,
		now:      time.Now,
	}
	if store != nil {
		if n, err := store.ExpirePendingApprovals(); err != nil {
			slog.Warn("Approval cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("Expired stale approvals", "count", n)
		}
	}
	return g
}

// Timeout returns the configured expiry.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// RequestApproval registers req and blocks until it is resolved, expires,
// or ctx is done. Expiry is a denial with state expired. On ctx
// cancellation the request is expired and ctx.Err() is returned.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = g.now()
	}
	if g.store != nil {
		params, _ := json.Marshal(req.Params)
		err := g.store.InsertApproval(&timeline.ApprovalRecord{
			ApprovalID: req.ID,
			RunID:      req.RunID,
			CallID:     req.CallID,
			Tool:       req.Tool,
			Params:     string(params),
			TraceID:    req.Route.TraceID,
			Channel:    req.Route.Channel,
			ChatID:     req.Route.ChatID,
			SenderID:   req.Route.SenderID,
			State:      string(StatePending),
			CreatedAt:  req.CreatedAt,
		})
		if err != nil {
			slog.Warn("Approval audit insert failed", "id", req.ID, "error", err)
		}
	}
	p := &pending{req: req, ch: make(chan Decision, 1)}
	g.pending.Set(req.ID, p)
	if g.OnRequest != nil {
		g.OnRequest(req)
	}
	slog.Info("Approval requested", "id", req.ID, "tool", req.Tool, "run_id", req.RunID)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var err error
	var d Decision
	select {
	case d = <-p.ch:
	case <-timer.C:
		d = g.finish(p, Decision{State: StateExpired, Responder: "timeout"})
	case <-ctx.Done():
		err = ctx.Err()
		responder := "cancelled"
		if errors.Is(err, context.DeadlineExceeded) {
			responder = "timeout"
		}
		d = g.finish(p, Decision{State: StateExpired, Responder: responder})
	}
	return d, err
}

// Resolve records a decision for id. The first resolution wins; later
// calls return it unchanged with a nil error. modifiedParams only apply
// when approved.
func (g *Gate) Resolve(id string, approved bool, responder string, modifiedParams map[string]any) (Decision, error) {
	if p, ok := g.pending.Get(id); ok {
		d := Decision{State: StateDenied, Responder: responder}
		if approved {
			d.State = StateApproved
			d.ModifiedParams = modifiedParams
		}
		return g.finish(p, d), nil
	}
	if d, ok := g.resolved.Get(id); ok {
		return d, nil
	}
	if g.store != nil {
		rec, err := g.store.GetApproval(id)
		if err == nil && rec.State != timeline.ApprovalPending {
			return decisionFromRecord(rec), nil
		}
	}
	return Decision{}, ErrNotFound
}

// finish settles p exactly once and returns the settled decision.
func (g *Gate) finish(p *pending, d Decision) Decision {
	p.once.Do(func() {
		d.ID = p.req.ID
		d.ResolvedAt = g.now()
		p.dec = d

		g.resolved.Set(d.ID, d)
		g.pending.Del(d.ID)
		time.AfterFunc(retention, func() { g.resolved.Del(d.ID) })

		if g.store != nil {
			var modified string
			if d.ModifiedParams != nil {
				b, _ := json.Marshal(d.ModifiedParams)
				modified = string(b)
			}
			if err := g.store.ResolveApproval(d.ID, string(d.State), d.Responder, modified, d.ResolvedAt); err != nil {
				slog.Warn("Approval audit update failed", "id", d.ID, "error", err)
			}
		}
		if g.OnResolve != nil {
			g.OnResolve(p.req, d)
		}
		slog.Info("Approval resolved", "id", d.ID, "state", d.State, "responder", d.Responder)
		p.ch <- d
	})
	return p.dec
}

// Get returns a pending request.
func (g *Gate) Get(id string) (Request, bool) {
	p, ok := g.pending.Get(id)
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

// Pending lists open requests, oldest first.
func (g *Gate) Pending() []Request {
	var out []Request
	g.pending.ForEach(func(_ string, p *pending) bool {
		out = append(out, p.req)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func decisionFromRecord(rec *timeline.ApprovalRecord) Decision {
	d := Decision{
		ID:        rec.ApprovalID,
		State:     State(rec.State),
		Responder: rec.Responder,
	}
	if rec.ResolvedAt != nil {
		d.ResolvedAt = *rec.ResolvedAt
	}
	if rec.ModifiedParams != "" {
		_ = json.Unmarshal([]byte(rec.ModifiedParams), &d.ModifiedParams)
	}
	return d
}
