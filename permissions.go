package botfleet

import (
	"fmt"
	"strings"
	"sync"
)

// Grants maps caller roles to allowed command-name patterns. The table is
// loaded once at startup and read-only between reloads; Reload swaps it
// atomically through the router's builtin command path.
//
// Patterns are dot-separated command names where a "*" segment matches
// exactly one segment and a trailing "*" matches the whole remainder:
//
//	bot.restart     exact
//	bot.*           bot.restart, bot.pause.all, ...
//	*.status        bot.status, pool.status
//	*               everything
//
// When several patterns match, the most specific (most literal
// characters, exact beating wildcard) wins; ties break lexicographically
// so the decision is deterministic.
type Grants struct {
	mu    sync.RWMutex
	table map[string][]string
}

// NewGrants creates a grant table from role → pattern lists
func NewGrants(table map[string][]string) *Grants {
	g := &Grants{}
	g.swap(table)
	return g
}

// Allows reports whether role may invoke command, returning the winning
// pattern for auditing.
func (g *Grants) Allows(role, command string) (string, bool) {
	g.mu.RLock()
	patterns := g.table[role]
	g.mu.RUnlock()

	best := ""
	bestScore := -1
	for _, p := range patterns {
		if !matchPattern(p, command) {
			continue
		}
		score := patternSpecificity(p)
		if score > bestScore || (score == bestScore && p < best) {
			best = p
			bestScore = score
		}
	}
	return best, bestScore >= 0
}

// Roles returns the configured roles, for diagnostics
func (g *Grants) Roles() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.table))
	for role := range g.table {
		out = append(out, role)
	}
	return out
}

// Reload replaces the grant table. Invalid input leaves the current
// table untouched.
func (g *Grants) Reload(table map[string][]string) error {
	for role, patterns := range table {
		if role == "" {
			return &OpError{Op: OpConfig, ID: "grants", Err: fmt.Errorf("%w: empty role", ErrInvalidConfig)}
		}
		for _, p := range patterns {
			if p == "" {
				return &OpError{Op: OpConfig, ID: role, Err: fmt.Errorf("%w: empty grant pattern", ErrInvalidConfig)}
			}
		}
	}
	g.swap(table)
	return nil
}

func (g *Grants) swap(table map[string][]string) {
	copied := make(map[string][]string, len(table))
	for role, patterns := range table {
		copied[role] = append([]string(nil), patterns...)
	}
	g.mu.Lock()
	g.table = copied
	g.mu.Unlock()
}

// matchPattern reports whether a dot-segmented pattern matches command.
// A "*" segment matches exactly one segment; a trailing "*" matches one
// or more remaining segments.
func matchPattern(pattern, command string) bool {
	if pattern == command {
		return true
	}
	ps := strings.Split(pattern, ".")
	cs := strings.Split(command, ".")

	for i, seg := range ps {
		if seg == "*" && i == len(ps)-1 {
			// Trailing wildcard swallows the rest, if any remains
			return len(cs) > i
		}
		if i >= len(cs) {
			return false
		}
		if seg != "*" && seg != cs[i] {
			return false
		}
	}
	return len(cs) == len(ps)
}

// patternSpecificity scores a pattern for most-specific-wins selection:
// literal characters count, wildcards don't, and a fully exact pattern
// outranks any wildcard of equal length.
func patternSpecificity(pattern string) int {
	score := 0
	exact := true
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "*" {
			exact = false
			continue
		}
		score += len(seg)
	}
	if exact {
		score += 1 << 16
	}
	return score
}
