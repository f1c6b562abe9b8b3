package approval

import "testing"

func TestShouldGate(t *testing.T) {
	tests := []struct {
		policy   Policy
		flag     bool
		expected bool
	}{
		{PolicyAlways, false, true},
		{PolicyAlways, true, true},
		{PolicyDestructive, false, false},
		{PolicyDestructive, true, true},
		{PolicyNever, true, false},
		{PolicyNever, false, false},
		{Policy("bogus"), false, true},
	}
	for _, tt := range tests {
		if got := ShouldGate(tt.policy, tt.flag); got != tt.expected {
			t.Errorf("ShouldGate(%s, %v) = %v, want %v", tt.policy, tt.flag, got, tt.expected)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":            PolicyDestructive,
		"ALWAYS":      PolicyAlways,
		" never ":     PolicyNever,
		"destructive": PolicyDestructive,
	} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       string
		id       string
		approved bool
		ok       bool
	}{
		{"approve:abc123", "abc123", true, true},
		{"  Deny: abc123 ", "abc123", false, true},
		{"yes:xyz", "xyz", true, true},
		{"approve:", "", false, false},
		{"approve:two words", "", false, false},
		{"hello there", "", false, false},
		{"maybe:abc", "", false, false},
	}
	for _, tt := range tests {
		id, approved, ok := ParseCommand(tt.in)
		if id != tt.id || approved != tt.approved || ok != tt.ok {
			t.Errorf("ParseCommand(%q) = %q, %v, %v", tt.in, id, approved, ok)
		}
	}
}
