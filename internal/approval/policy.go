package approval

import (
	"fmt"
	"strings"
)

// Policy decides which tool calls reach the gate.
type Policy string

const (
	// PolicyAlways gates every tool call.
	PolicyAlways Policy = "always"
	// PolicyDestructive gates calls to tools flagged as requiring approval.
	PolicyDestructive Policy = "destructive"
	// PolicyNever bypasses the gate.
	PolicyNever Policy = "never"
)

// ParsePolicy maps a config value to a Policy. Empty means destructive.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyDestructive:
		return PolicyDestructive, nil
	case PolicyAlways:
		return PolicyAlways, nil
	case PolicyNever:
		return PolicyNever, nil
	}
	return "", fmt.Errorf("unknown approval policy %q (want always, destructive or never)", s)
}

// ShouldGate reports whether a call to a tool with the given approval flag
// must wait for a decision under policy p. Unknown policies gate.
func ShouldGate(p Policy, requiresApproval bool) bool {
	switch p {
	case PolicyNever:
		return false
	case PolicyDestructive:
		return requiresApproval
	default:
		return true
	}
}

// ParseCommand recognises "approve:<id>" and "deny:<id>" replies from text
// transports.
func ParseCommand(text string) (id string, approved bool, ok bool) {
	text = strings.TrimSpace(text)
	verb, rest, found := strings.Cut(text, ":")
	if !found {
		return "", false, false
	}
	id = strings.TrimSpace(rest)
	if id == "" || strings.ContainsAny(id, " \t\n") {
		return "", false, false
	}
	switch strings.ToLower(strings.TrimSpace(verb)) {
	case "approve", "approved", "yes":
		return id, true, true
	case "deny", "denied", "reject", "no":
		return id, false, true
	}
	return "", false, false
}
