package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/timeline"
)

// EventBuffer is the capacity of a run's event channel. A consumer that
// falls further behind blocks the run.
const EventBuffer = 64

// EventType names a loop transition.
type EventType string

const (
	EventThinking    EventType = "thinking"
	EventChunk       EventType = "chunk"
	EventToolCall    EventType = "tool_call"
	EventObservation EventType = "observation"
	EventFinalAnswer EventType = "final_answer"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// Event is one entry of a run's ordered event stream.
type Event struct {
	RunID     string    `json:"runId"`
	Seq       int       `json:"seq"`
	Type      EventType `json:"type"`
	Turn      int       `json:"turn"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Route     Route     `json:"route"`
}

// ThinkingData is the payload of a thinking event.
type ThinkingData struct {
	Tier     provider.Tier `json:"tier"`
	Messages int           `json:"messages"`
}

// ChunkData carries streamed text.
type ChunkData struct {
	Text string `json:"text"`
}

// ToolCallData is the payload of a tool_call event.
type ToolCallData struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`
	CallID   string         `json:"callId"`
}

// ObservationData is the payload of an observation event.
type ObservationData struct {
	CallID  string    `json:"callId"`
	Success bool      `json:"success"`
	Output  string    `json:"output"`
	Error   string    `json:"error,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// FinalAnswerData is the payload of a final_answer event.
type FinalAnswerData struct {
	Answer string         `json:"answer"`
	Usage  provider.Usage `json:"usage"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// DoneData is the payload of the terminal done event.
type DoneData struct {
	Status RunStatus      `json:"status"`
	Turns  int            `json:"turns"`
	Usage  provider.Usage `json:"usage"`
	Reason string         `json:"reason,omitempty"`
}

// EventStore persists run events. *timeline.TimelineService satisfies it.
type EventStore interface {
	AddRunEvent(e *timeline.RunEventRecord) error
}

// EventSink receives a copy of every event after it is emitted. Relays
// to external brokers implement it.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// emitter writes one run's events in transition order: to the retained
// list, the optional channel, the store and the sinks.
type emitter struct {
	runID  string
	route  Route
	out    chan<- Event
	store  EventStore
	sinks  []EventSink
	now    func() time.Time
	seq    int
	events []Event
}

func (e *emitter) emit(typ EventType, turn int, data any) Event {
	e.seq++
	ev := Event{
		RunID:     e.runID,
		Seq:       e.seq,
		Type:      typ,
		Turn:      turn,
		Data:      data,
		Timestamp: e.now(),
		Route:     e.route,
	}
	e.events = append(e.events, ev)

	if e.store != nil && typ != EventChunk {
		raw, _ := json.Marshal(data)
		if err := e.store.AddRunEvent(&timeline.RunEventRecord{
			RunID:     e.runID,
			Seq:       ev.Seq,
			Type:      string(typ),
			Turn:      turn,
			Data:      string(raw),
			Timestamp: ev.Timestamp,
		}); err != nil {
			slog.Warn("Run event persist failed", "run", e.runID, "type", typ, "error", err)
		}
	}
	for _, s := range e.sinks {
		// Background context: a cancelled run still delivers its terminal events.
		if err := s.Emit(context.Background(), ev); err != nil {
			slog.Warn("Event sink failed", "run", e.runID, "type", typ, "error", err)
		}
	}
	if e.out != nil {
		e.out <- ev
	}
	return ev
}

// history returns a copy of the retained events.
func (e *emitter) history() []Event {
	return append([]Event(nil), e.events...)
}
