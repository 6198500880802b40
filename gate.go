package main

import "sync"

type verdict int

const (
	verdictDeny verdict = iota
	verdictAdmit
	verdictUnknownUser
)

func (v verdict) String() string {
	switch v {
	case verdictAdmit:
		return "admit"
	case verdictUnknownUser:
		return "unknown-user"
	default:
		return "deny"
	}
}

// attemptGate counts password attempts per username across all connections
// and lets a username in once its count passes admitAfter. Counts are never
// reset: a username that got in once stays admitted for the process lifetime.
type attemptGate struct {
	mu         sync.Mutex
	valid      map[string]struct{}
	attempts   map[string]int
	admitAfter int
}

func newAttemptGate(valid map[string]struct{}, admitAfter int) *attemptGate {
	return &attemptGate{
		valid:      valid,
		attempts:   make(map[string]int),
		admitAfter: admitAfter,
	}
}

// Evaluate records one attempt and returns the verdict together with the
// attempt number it was counted as. Unknown usernames are never counted.
func (g *attemptGate) Evaluate(username, password string) (verdict, int) {
	if _, ok := g.valid[username]; !ok {
		return verdictUnknownUser, 0
	}

	g.mu.Lock()
	g.attempts[username]++
	n := g.attempts[username]
	g.mu.Unlock()

	if n > g.admitAfter {
		return verdictAdmit, n
	}
	return verdictDeny, n
}

// Attempts returns how many attempts have been counted for username.
func (g *attemptGate) Attempts(username string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[username]
}

func (g *attemptGate) tracked(username string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.attempts[username]
	return ok
}
