package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/tools"
)

func isChild(req *provider.ChatRequest) bool {
	return strings.Contains(req.Messages[0].Content, "You are a subagent")
}

func TestDelegationDisabledAtMaxDepthZero(t *testing.T) {
	p := &scripted{id: "p", native: true, reply: func(int, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return answer("ok"), nil
	}}
	l := testLoop(t, p, nil)
	cfg := testConfig()
	cfg.MaxDepth = 0
	l.Run(context.Background(), cfg, TaskSubmission{Task: "x"})
	if toolNames(p.request(0).Tools)[tools.DelegateToolName] {
		t.Fatal("delegate_task offered with MaxDepth 0")
	}
}

func TestDelegationRunsChild(t *testing.T) {
	p := &scripted{id: "p", native: true, reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if isChild(req) {
			return answer("child result"), nil
		}
		if len(req.Messages) == 2 {
			return toolCall("d1", tools.DelegateToolName, map[string]any{"task": "summarize the logs", "context": "logs are in /var/log"}), nil
		}
		return answer("parent done"), nil
	}}
	l := testLoop(t, p, nil)
	cfg := testConfig()
	cfg.MaxDepth = 1

	res := l.Run(context.Background(), cfg, TaskSubmission{Task: "look into the outage"})
	if res.Status != StatusCompleted || res.Answer != "parent done" {
		t.Fatalf("unexpected parent result %s %q", res.Status, res.Answer)
	}
	if !toolNames(p.request(0).Tools)[tools.DelegateToolName] {
		t.Fatal("expected delegate_task for the top-level run")
	}

	child := p.request(1)
	if !isChild(&child) {
		t.Fatal("second provider call should belong to the child")
	}
	if toolNames(child.Tools)[tools.DelegateToolName] {
		t.Fatal("child must not be offered delegate_task")
	}
	if len(child.Messages) != 2 {
		t.Fatalf("child should see only system prompt and task, got %d messages", len(child.Messages))
	}
	task := child.Messages[1].Content
	if !strings.Contains(task, "summarize the logs") || !strings.Contains(task, "Context:\nlogs are in /var/log") {
		t.Fatalf("unexpected child task %q", task)
	}

	obs := eventsOf(res, EventObservation)[0].Data.(ObservationData)
	if !obs.Success || obs.Output != "child result" {
		t.Fatalf("expected child answer as observation, got %+v", obs)
	}

	var childInfo *RunInfo
	for _, info := range l.Runs() {
		if info.ParentRunID == res.RunID {
			info := info
			childInfo = &info
		}
	}
	if childInfo == nil || childInfo.Depth != 1 || childInfo.Source != "subagent" || childInfo.Status != StatusCompleted {
		t.Fatalf("unexpected child registry entry %+v", childInfo)
	}
}

func TestDelegationChildFailureIsObservation(t *testing.T) {
	p := &scripted{id: "p", native: true, reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if isChild(req) {
			return nil, provider.NewError("p", provider.ErrorTypeBadRequest, "child rejected")
		}
		if len(req.Messages) == 2 {
			return toolCall("d1", tools.DelegateToolName, map[string]any{"task": "subtask"}), nil
		}
		return answer("handled"), nil
	}}
	l := testLoop(t, p, nil)
	res := l.Run(context.Background(), testConfig(), TaskSubmission{Task: "x"})
	if res.Status != StatusCompleted {
		t.Fatalf("parent should survive child failure, got %s", res.Status)
	}
	obs := eventsOf(res, EventObservation)[0].Data.(ObservationData)
	if obs.Success || !strings.Contains(obs.Error, "failed") {
		t.Fatalf("expected failed observation, got %+v", obs)
	}
}

func TestDelegationRejectedWhenSlotsFull(t *testing.T) {
	p := &scripted{id: "p", native: true, reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if isChild(req) {
			return answer("unexpected"), nil
		}
		if len(req.Messages) == 2 {
			return toolCall("d1", tools.DelegateToolName, map[string]any{"task": "subtask"}), nil
		}
		return answer("did it myself"), nil
	}}
	l := NewLoop(LoopOptions{Provider: newManager(t, p), Limits: SubagentLimits{MaxConcurrent: 1}})
	res := l.Run(context.Background(), testConfig(), TaskSubmission{Task: "x"})
	if res.Status != StatusCompleted || p.calls() != 2 {
		t.Fatalf("unexpected result %s after %d calls", res.Status, p.calls())
	}
	obs := eventsOf(res, EventObservation)[0].Data.(ObservationData)
	if obs.Success || !strings.Contains(obs.Error, ErrSubagentLimit.Error()) {
		t.Fatalf("expected limit rejection, got %+v", obs)
	}
}

func TestSpawnChildDepthCheck(t *testing.T) {
	p := &scripted{id: "p", native: true, reply: func(int, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return answer("x"), nil
	}}
	l := testLoop(t, p, nil)
	cfg := testConfig()
	cfg.MaxDepth = 2
	if _, err := l.spawnChild(context.Background(), "parent", 2, cfg, Route{}, tools.DelegateRequest{Task: "t"}); err == nil {
		t.Fatal("expected depth rejection")
	}
	if p.calls() != 0 {
		t.Fatal("rejected spawn must not call the provider")
	}
}

func TestReserveChildLimit(t *testing.T) {
	r := newRunRegistry(SubagentLimits{MaxChildrenPerParent: 2})
	for i := 0; i < 2; i++ {
		if err := r.reserveChild("p"); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if err := r.reserveChild("p"); !errors.Is(err, ErrSubagentLimit) {
		t.Fatalf("expected ErrSubagentLimit, got %v", err)
	}
	if err := r.reserveChild("other"); err != nil {
		t.Fatalf("limits are per parent: %v", err)
	}
	r.releaseChild("p")
	if got := r.activeChildren("p"); got != 1 {
		t.Fatalf("expected 1 active child, got %d", got)
	}
	if err := r.reserveChild("p"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestRegistryFinishAndArchive(t *testing.T) {
	r := newRunRegistry(SubagentLimits{})
	r.archiveAfter = 20 * time.Millisecond
	r.register(RunInfo{RunID: "a", StartedAt: time.Now()}, func() {})
	r.setTurn("a", 3)

	info, ok := r.Get("a")
	if !ok || info.Status != StatusRunning || info.Turn != 3 {
		t.Fatalf("unexpected info %+v", info)
	}
	if r.countActive() != 1 {
		t.Fatal("expected one active run")
	}

	r.finish("a", StatusFailed, newRunError(KindParse, nil, "bad output"))
	info, _ = r.Get("a")
	if info.Status != StatusFailed || info.EndedAt == nil || !strings.Contains(info.Error, "bad output") {
		t.Fatalf("unexpected finished info %+v", info)
	}
	if r.Cancel("a") {
		t.Fatal("finished run cannot be cancelled")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("a"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("finished run was not archived")
}

func TestRegistryCancelCascades(t *testing.T) {
	r := newRunRegistry(SubagentLimits{})
	cancelled := map[string]bool{}
	for _, info := range []RunInfo{
		{RunID: "root"},
		{RunID: "child", ParentRunID: "root", Depth: 1},
		{RunID: "grandchild", ParentRunID: "child", Depth: 2},
		{RunID: "unrelated"},
	} {
		id := info.RunID
		r.register(info, func() { cancelled[id] = true })
	}

	if !r.Cancel("root") {
		t.Fatal("expected cancel to succeed")
	}
	for _, id := range []string{"root", "child", "grandchild"} {
		if !cancelled[id] {
			t.Errorf("%s not cancelled", id)
		}
	}
	if cancelled["unrelated"] {
		t.Error("unrelated run cancelled")
	}
	if r.Cancel("nope") {
		t.Error("unknown run reported cancelled")
	}
}

func TestRegistryListNewestFirst(t *testing.T) {
	r := newRunRegistry(SubagentLimits{})
	base := time.Now()
	r.register(RunInfo{RunID: "old", StartedAt: base}, func() {})
	r.register(RunInfo{RunID: "new", StartedAt: base.Add(time.Second)}, func() {})
	list := r.List()
	if len(list) != 2 || list[0].RunID != "new" {
		t.Fatalf("unexpected order %+v", list)
	}
}

func TestCancelRunStopsChildren(t *testing.T) {
	blocker := &echoTool{name: "wait", block: true}
	started := make(chan struct{}, 1)
	p := &scripted{id: "p", native: true, reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if isChild(req) {
			select {
			case started <- struct{}{}:
			default:
			}
			return toolCall("w", "wait", nil), nil
		}
		if len(req.Messages) == 2 {
			return toolCall("d1", tools.DelegateToolName, map[string]any{"task": "wait forever"}), nil
		}
		return answer("after cancel"), nil
	}}
	l := testLoop(t, p, nil, blocker)
	h := l.Start(context.Background(), testConfig(), TaskSubmission{Task: "x"})
	go func() {
		<-started
		time.Sleep(20 * time.Millisecond)
		l.CancelRun(h.RunID)
	}()
	for range h.Events {
	}
	res := h.Wait()
	if res.Status != StatusCancelled {
		t.Fatalf("expected cancelled parent, got %s", res.Status)
	}
	for _, info := range l.Runs() {
		if info.Status == StatusRunning {
			t.Fatalf("run %s still running", info.RunID)
		}
	}
}
