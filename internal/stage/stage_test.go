package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/domain"
)

var testAgents = map[domain.Stage]string{
	domain.StageGenre:       "agent-genre",
	domain.StageEnvironment: "agent-environment",
	domain.StageWorld:       "agent-world",
	domain.StageCharacter:   "agent-character",
}

func TestResolveFreshProject(t *testing.T) {
	st, agent := NewResolver(testAgents).Resolve(domain.Flags{})
	assert.Equal(t, domain.StageGenre, st)
	assert.Equal(t, "agent-genre", agent)
}

func TestResolveMidFlow(t *testing.T) {
	st, agent := NewResolver(testAgents).Resolve(domain.Flags{GenreCompleted: true})
	assert.Equal(t, domain.StageEnvironment, st)
	assert.Equal(t, "agent-environment", agent)
}

func TestResolveDeterministic(t *testing.T) {
	r := NewResolver(testAgents)
	flags := domain.Flags{GenreCompleted: true, EnvironmentCompleted: true}
	for i := 0; i < 50; i++ {
		st, agent := r.Resolve(flags)
		require.Equal(t, domain.StageWorld, st)
		require.Equal(t, "agent-world", agent)
	}
}

func TestResolveTerminalStability(t *testing.T) {
	r := NewResolver(testAgents)
	all := domain.Flags{GenreCompleted: true, EnvironmentCompleted: true, WorldCompleted: true, CharactersCompleted: true}
	st, agent := r.Resolve(all)
	assert.Equal(t, domain.StageCharacter, st)
	assert.Equal(t, "agent-character", agent)

	st, _ = r.Resolve(domain.Flags{GenreCompleted: true, EnvironmentCompleted: true, WorldCompleted: true})
	assert.Equal(t, domain.StageCharacter, st)
}

func TestResolveImpossibleCombinationYieldsEarliestUnmet(t *testing.T) {
	flags := domain.Flags{GenreCompleted: true, WorldCompleted: true}
	assert.Equal(t, domain.StageEnvironment, Resolve(flags))
	assert.False(t, Consistent(flags))

	flags = domain.Flags{CharactersCompleted: true}
	assert.Equal(t, domain.StageGenre, Resolve(flags))
	assert.False(t, Consistent(flags))
}

// Every order in which the four flags can be set must produce a
// non-decreasing stage index.
func TestResolveMonotonic(t *testing.T) {
	var permute func(prefix []domain.Stage, rest []domain.Stage)
	permute = func(prefix []domain.Stage, rest []domain.Stage) {
		if len(rest) == 0 {
			var flags domain.Flags
			last := Index(Resolve(flags))
			for _, st := range prefix {
				flags = flags.With(st)
				idx := Index(Resolve(flags))
				require.GreaterOrEqual(t, idx, last, "order %v regressed at %s", prefix, st)
				last = idx
			}
			return
		}
		for i := range rest {
			next := append(append([]domain.Stage{}, prefix...), rest[i])
			remaining := append(append([]domain.Stage{}, rest[:i]...), rest[i+1:]...)
			permute(next, remaining)
		}
	}
	permute(nil, domain.Stages)
}

func TestIndex(t *testing.T) {
	assert.Equal(t, 0, Index(domain.StageGenre))
	assert.Equal(t, 3, Index(domain.StageCharacter))
	assert.Equal(t, -1, Index(domain.Stage("magic")))
}

func TestNewResolverCopiesTable(t *testing.T) {
	agents := map[domain.Stage]string{domain.StageGenre: "a"}
	r := NewResolver(agents)
	agents[domain.StageGenre] = "b"
	assert.Equal(t, "a", r.AgentFor(domain.StageGenre))
}
