package broker

import "github.com/bmatcuk/doublestar/v4"

// SubscriptionRegistry tracks which clients want which signal paths
// fanned out to them. Patterns are doublestar globs matched against a
// signal frame's shv_path (spec.md §9 leaves signal broadcast an open
// question; this is the resolution: subscribe via the .app node,
// match with a glob instead of inventing a bespoke pattern language).
//
// Like MountTable and PeerTable, it is owned exclusively by the broker
// loop goroutine and needs no locking.
type SubscriptionRegistry struct {
	byClient map[int64]map[string]struct{}
}

// NewSubscriptionRegistry returns an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{byClient: make(map[int64]map[string]struct{})}
}

// Subscribe records that clientID wants signals whose path matches
// pattern.
func (r *SubscriptionRegistry) Subscribe(clientID int64, pattern string) {
	set, ok := r.byClient[clientID]
	if !ok {
		set = make(map[string]struct{})
		r.byClient[clientID] = set
	}
	set[pattern] = struct{}{}
}

// Unsubscribe removes a previously registered pattern. It is a no-op
// if clientID never subscribed to pattern.
func (r *SubscriptionRegistry) Unsubscribe(clientID int64, pattern string) {
	if set, ok := r.byClient[clientID]; ok {
		delete(set, pattern)
	}
}

// List returns clientID's subscribed patterns.
func (r *SubscriptionRegistry) List(clientID int64) []string {
	set := r.byClient[clientID]
	patterns := make([]string, 0, len(set))
	for p := range set {
		patterns = append(patterns, p)
	}
	return patterns
}

// RemoveAll drops every subscription belonging to clientID, called
// when the client disconnects.
func (r *SubscriptionRegistry) RemoveAll(clientID int64) {
	delete(r.byClient, clientID)
}

// Match returns the ids of clients subscribed to a pattern that
// matches shvPath. A malformed glob simply never matches rather than
// erroring the broker loop.
func (r *SubscriptionRegistry) Match(shvPath string) []int64 {
	var matches []int64
	for clientID, patterns := range r.byClient {
		for pattern := range patterns {
			if ok, err := doublestar.Match(pattern, shvPath); err == nil && ok {
				matches = append(matches, clientID)
				break
			}
		}
	}
	return matches
}
