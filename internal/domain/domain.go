package domain

import (
	"fmt"
	"strings"
)

// Stage is a phase of the guided creative intake.
type Stage string

const (
	StageGenre       Stage = "genre"
	StageEnvironment Stage = "environment"
	StageWorld       Stage = "world"
	StageCharacter   Stage = "character"
)

// Stages lists every stage in progression order.
var Stages = []Stage{StageGenre, StageEnvironment, StageWorld, StageCharacter}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Flags are the four one-way completion markers of a Foundation.
type Flags struct {
	GenreCompleted       bool `json:"genreCompleted"`
	EnvironmentCompleted bool `json:"environmentCompleted"`
	WorldCompleted       bool `json:"worldCompleted"`
	CharactersCompleted  bool `json:"charactersCompleted"`
}

// Completed returns the flag belonging to stage.
func (f Flags) Completed(stage Stage) bool {
	switch stage {
	case StageGenre:
		return f.GenreCompleted
	case StageEnvironment:
		return f.EnvironmentCompleted
	case StageWorld:
		return f.WorldCompleted
	case StageCharacter:
		return f.CharactersCompleted
	}
	return false
}

// With returns a copy of f with the flag for stage set.
func (f Flags) With(stage Stage) Flags {
	switch stage {
	case StageGenre:
		f.GenreCompleted = true
	case StageEnvironment:
		f.EnvironmentCompleted = true
	case StageWorld:
		f.WorldCompleted = true
	case StageCharacter:
		f.CharactersCompleted = true
	}
	return f
}

// Merge ORs next into f. It fails when next would reset a flag that is already set.
func (f Flags) Merge(next Flags) (Flags, error) {
	for _, st := range Stages {
		if f.Completed(st) && !next.Completed(st) {
			return f, &ValidationError{Field: string(st) + "Completed", Reason: "completion flags cannot be reset"}
		}
	}
	return next, nil
}

// Sessions holds one conversation session id per stage.
type Sessions struct {
	Genre       string `json:"genre,omitempty"`
	Environment string `json:"environment,omitempty"`
	World       string `json:"world,omitempty"`
	Character   string `json:"character,omitempty"`
}

func (s Sessions) For(stage Stage) string {
	switch stage {
	case StageGenre:
		return s.Genre
	case StageEnvironment:
		return s.Environment
	case StageWorld:
		return s.World
	case StageCharacter:
		return s.Character
	}
	return ""
}

func (s *Sessions) Set(stage Stage, id string) {
	switch stage {
	case StageGenre:
		s.Genre = id
	case StageEnvironment:
		s.Environment = id
	case StageWorld:
		s.World = id
	case StageCharacter:
		s.Character = id
	}
}

type Foundation struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Flags        Flags    `json:"flags"`
	CurrentStage Stage    `json:"currentStage" enum:"genre,environment,world,character"`
	Sessions     Sessions `json:"sessions"`
	CreatedAt    string   `json:"createdAt" format:"date-time"`
	UpdatedAt    string   `json:"updatedAt" format:"date-time"`
}

type Message struct {
	ID           string `json:"id"`
	FoundationID string `json:"foundationId"`
	Role         Role   `json:"role" enum:"user,assistant"`
	Content      string `json:"content"`
	CreatedAt    string `json:"createdAt" format:"date-time"`
	Seq          int64  `json:"-"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	FoundationID string `json:"foundation_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

// ValidationError marks caller input that must be corrected, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateMessage checks the fields accepted by the message endpoint.
func ValidateMessage(foundationID string, role Role, content string) error {
	if strings.TrimSpace(foundationID) == "" {
		return &ValidationError{Field: "foundationId", Reason: "required"}
	}
	if !role.Valid() {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("must be %q or %q", RoleUser, RoleAssistant)}
	}
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	return nil
}
