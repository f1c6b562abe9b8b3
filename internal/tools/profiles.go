package tools

import (
	"path"
	"strings"
)

// Profile narrows the tool set a run may see.
type Profile struct {
	Name string
	// Allow lists name globs; empty means every tool.
	Allow []string
	// Deny globs win over Allow.
	Deny []string
	// MaxTier drops tools above this tier; negative disables the check.
	MaxTier int
}

// Profile names.
const (
	ProfileMinimal  = "minimal"
	ProfileReadOnly = "read-only"
	ProfileFull     = "full"
)

// Profiles is the static profile table.
var Profiles = map[string]Profile{
	ProfileMinimal: {
		Name:    ProfileMinimal,
		Allow:   []string{"status", "recall", "delegate_task"},
		MaxTier: -1,
	},
	ProfileReadOnly: {
		Name:    ProfileReadOnly,
		MaxTier: TierReadOnly,
	},
	ProfileFull: {
		Name:    ProfileFull,
		MaxTier: -1,
	},
}

// LookupProfile resolves a profile name; unknown names get minimal.
func LookupProfile(name string) Profile {
	if p, ok := Profiles[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return Profiles[ProfileMinimal]
}

// Allows reports whether t passes the profile.
func (p Profile) Allows(t Tool) bool {
	name := t.Name()
	for _, pattern := range p.Deny {
		if globMatch(pattern, name) {
			return false
		}
	}
	if p.MaxTier >= 0 && ToolTier(t) > p.MaxTier {
		return false
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if globMatch(pattern, name) {
			return true
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
