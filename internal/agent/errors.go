package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/KafClaw/agentcore/internal/provider"
)

// ErrorKind classifies why a run or an observation failed.
type ErrorKind string

const (
	KindProviderRetryable ErrorKind = ErrorKind(provider.KindRetryable)
	KindProviderPermanent ErrorKind = ErrorKind(provider.KindPermanent)
	KindToolExecution     ErrorKind = "tool_execution"
	KindParse             ErrorKind = "parse"
	KindApprovalDenied    ErrorKind = "approval_denied"
	KindApprovalExpired   ErrorKind = "approval_expired"
	KindBudgetExceeded    ErrorKind = "budget_exceeded"
	KindCancelled         ErrorKind = "cancelled"
	KindTimeout           ErrorKind = "timeout"
)

// RunError is the human-readable reason a run ended without an answer.
type RunError struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
	Err    error     `json:"-"`
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RunError) Unwrap() error { return e.Err }

func newRunError(kind ErrorKind, err error, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// ErrParse is returned by the text interpreter when fail-open is disabled
// and no tool call or answer could be recovered.
var ErrParse = errors.New("unparseable model output")

// classifyProviderError maps a Manager error to a run error kind.
func classifyProviderError(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case provider.KindOf(err) == provider.KindRetryable:
		return KindProviderRetryable
	default:
		return KindProviderPermanent
	}
}

// statusFor maps a terminal error kind to the run status it produces.
func statusFor(kind ErrorKind) RunStatus {
	switch kind {
	case KindBudgetExceeded:
		return StatusBudgetExceeded
	case KindCancelled:
		return StatusCancelled
	case KindTimeout:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}
