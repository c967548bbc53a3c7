// Package stage decides which intake stage a Foundation is in and which
// conversational agent owns it. The decision is a pure function of the
// completion flags; message content never influences it.
package stage

import "storyforge/internal/domain"

// Resolve returns the earliest stage whose completion flag is unset.
// Character is terminal: it is returned even once every flag is set.
// Impossible combinations (a later flag set while an earlier one is not)
// still yield the earliest unmet stage.
func Resolve(f domain.Flags) domain.Stage {
	switch {
	case !f.GenreCompleted:
		return domain.StageGenre
	case !f.EnvironmentCompleted:
		return domain.StageEnvironment
	case !f.WorldCompleted:
		return domain.StageWorld
	default:
		return domain.StageCharacter
	}
}

// Index returns the ordinal position of s, or -1 for unknown labels.
func Index(s domain.Stage) int {
	for i, st := range domain.Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Consistent reports whether the flags form a prefix (no later stage
// completed while an earlier one is still open).
func Consistent(f domain.Flags) bool {
	open := false
	for _, st := range domain.Stages {
		if !f.Completed(st) {
			open = true
			continue
		}
		if open {
			return false
		}
	}
	return true
}

// Resolver pairs the stage decision with the static stage→agent table.
type Resolver struct {
	Agents map[domain.Stage]string
}

// NewResolver copies agents so later mutation of the caller's map has no effect.
func NewResolver(agents map[domain.Stage]string) Resolver {
	table := make(map[domain.Stage]string, len(agents))
	for k, v := range agents {
		table[k] = v
	}
	return Resolver{Agents: table}
}

// Resolve returns the stage for f and the agent configured for it.
func (r Resolver) Resolve(f domain.Flags) (domain.Stage, string) {
	st := Resolve(f)
	return st, r.Agents[st]
}

// AgentFor returns the agent configured for st.
func (r Resolver) AgentFor(st domain.Stage) string {
	return r.Agents[st]
}
