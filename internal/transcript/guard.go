// Package transcript holds the visible conversation of the active
// foundation and makes sure overlapping history loads resolve in favour of
// the most recently started one.
package transcript

import "sync"

// Token identifies one load. Tokens are strictly increasing.
type Token uint64

// Guard hands out load tokens and only lets the latest one commit.
type Guard struct {
	mu     sync.Mutex
	latest Token
}

// Begin issues a token and supersedes every token issued before it.
func (g *Guard) Begin() Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latest++
	return g.latest
}

// Current reports whether t is still the latest token.
func (g *Guard) Current(t Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return t == g.latest
}

// Commit runs apply only if t is still the latest token. The check and
// apply happen under one lock so a newer Begin cannot slip in between.
func (g *Guard) Commit(t Token, apply func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t != g.latest {
		return false
	}
	apply()
	return true
}
